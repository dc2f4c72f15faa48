package catalog

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	// Pure-Go SQLite driver, no cgo required.
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting the read
// helpers below run unmodified whether or not they're inside the single
// writer transaction used by WithTx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SQLiteStore is the shipped Store implementation: a single *sql.DB
// guarded by a writer mutex (single writer, many readers), with the
// secondary indexes realized as real SQL indexes rather than
// hand-maintained in-memory maps.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or migrates a SQLite-backed catalog at the given path
// ("file:path/to/catalog.db" or ":memory:" for tests).
func Open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: opening database")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + WAL aside, keep this simple and serialized

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanDocument(scan func(dest ...interface{}) error) (Document, error) {
	var (
		d                     Document
		docType               int
		localMTime, updatedAt int64
		executable, deleted   int
		tags                  string
		moveFromPath          string
		moveFromIno           int64
		seq                   sql.NullInt64
	)
	err := scan(
		&d.ID, &d.Path, &docType, &d.Rev,
		&d.Sides.Local, &d.Sides.Remote,
		&d.Local.Size, &localMTime, &d.Local.Ino,
		&d.Remote.ID, &d.Remote.Rev,
		&d.MD5Sum, &executable, &d.Class, &d.MIME, &d.Size, &updatedAt,
		&d.Errors, &moveFromPath, &moveFromIno, &deleted, &tags, &seq,
	)
	if err != nil {
		return Document{}, err
	}

	d.DocType = DocType(docType)
	d.Local.ModTime = time.Unix(0, localMTime)
	d.UpdatedAt = time.Unix(0, updatedAt)
	d.Executable = executable != 0
	d.Deleted = deleted != 0
	if tags != "" {
		d.Tags = strings.Split(tags, ",")
	}
	if moveFromPath != "" {
		d.MoveFrom = &MoveFrom{Path: moveFromPath, Ino: uint64(moveFromIno)}
	}
	if seq.Valid {
		d.Seq = uint64(seq.Int64)
	}
	return d, nil
}

const documentColumns = `
	id, path, doc_type, rev,
	sides_local, sides_remote,
	local_size, local_mtime, local_ino,
	remote_id, remote_rev,
	md5sum, executable, class, mime, size, updated_at,
	errors, move_from_path, move_from_ino, deleted, tags, seq
`

func queryOne(ctx context.Context, q querier, where string, args ...interface{}) (Document, error) {
	row := q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE "+where, args...)
	doc, err := scanDocument(row.Scan)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	} else if err != nil {
		return Document{}, errors.Wrap(err, "catalog: scanning document")
	}
	return doc, nil
}

func queryMany(ctx context.Context, q querier, query string, args ...interface{}) ([]Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: querying documents")
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "catalog: scanning document")
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func byID(ctx context.Context, q querier, id string) (Document, error) {
	return queryOne(ctx, q, "id = ?", id)
}

func byPath(ctx context.Context, q querier, path string) (Document, error) {
	return queryOne(ctx, q, "path = ?", path)
}

func byIno(ctx context.Context, q querier, ino uint64) (Document, error) {
	return queryOne(ctx, q, "local_ino = ? AND local_ino <> 0", ino)
}

func byRemoteID(ctx context.Context, q querier, remoteID string) (Document, error) {
	return queryOne(ctx, q, "remote_id = ? AND remote_id <> ''", remoteID)
}

func byDirty(ctx context.Context, q querier) ([]Document, error) {
	return queryMany(ctx, q,
		`SELECT `+documentColumns+` FROM documents
		 WHERE sides_local <> rev OR sides_remote <> rev
		 ORDER BY updated_at ASC`)
}

func changesSince(ctx context.Context, q querier, seq uint64) ([]Change, error) {
	docs, err := queryMany(ctx, q,
		`SELECT `+documentColumns+` FROM documents WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, err
	}
	changes := make([]Change, len(docs))
	for i, d := range docs {
		changes[i] = Change{Document: d, Seq: d.Seq}
	}
	return changes, nil
}

func treeUnder(ctx context.Context, q querier, prefix string) ([]Document, error) {
	if prefix == "" {
		return queryMany(ctx, q, `SELECT `+documentColumns+` FROM documents ORDER BY path ASC`)
	}
	return queryMany(ctx, q,
		`SELECT `+documentColumns+` FROM documents
		 WHERE path = ? OR path LIKE ? ESCAPE '\'
		 ORDER BY path ASC`,
		prefix, escapeLike(prefix)+"/%")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func put(ctx context.Context, q querier, doc Document) (Document, error) {
	existing, err := byID(ctx, q, doc.ID)
	if err != nil && err != ErrNotFound {
		return Document{}, err
	}

	if err == nil {
		// An existing document: the caller's Rev must match what is
		// currently stored, or this is a stale write.
		if doc.Rev != 0 && doc.Rev != existing.Rev {
			return Document{}, ErrStaleRevision
		}
		doc.Rev = existing.Rev + 1
	} else {
		doc.Rev = 1
	}

	var seq int64
	row := q.QueryRowContext(ctx, `UPDATE catalog_sequence SET next = next + 1 WHERE id = 1 RETURNING next - 1`)
	if err := row.Scan(&seq); err != nil {
		return Document{}, errors.Wrap(err, "catalog: allocating sequence number")
	}
	doc.Seq = uint64(seq)
	doc.UpdatedAt = time.Now()

	var moveFromPath string
	var moveFromIno int64
	if doc.MoveFrom != nil {
		moveFromPath = doc.MoveFrom.Path
		moveFromIno = int64(doc.MoveFrom.Ino)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (
			id, path, doc_type, rev, sides_local, sides_remote,
			local_size, local_mtime, local_ino, remote_id, remote_rev,
			md5sum, executable, class, mime, size, updated_at,
			errors, move_from_path, move_from_ino, deleted, tags, seq
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, doc_type=excluded.doc_type, rev=excluded.rev,
			sides_local=excluded.sides_local, sides_remote=excluded.sides_remote,
			local_size=excluded.local_size, local_mtime=excluded.local_mtime,
			local_ino=excluded.local_ino, remote_id=excluded.remote_id,
			remote_rev=excluded.remote_rev, md5sum=excluded.md5sum,
			executable=excluded.executable, class=excluded.class, mime=excluded.mime,
			size=excluded.size, updated_at=excluded.updated_at, errors=excluded.errors,
			move_from_path=excluded.move_from_path, move_from_ino=excluded.move_from_ino,
			deleted=excluded.deleted, tags=excluded.tags, seq=excluded.seq
	`,
		doc.ID, doc.Path, int(doc.DocType), doc.Rev, doc.Sides.Local, doc.Sides.Remote,
		doc.Local.Size, doc.Local.ModTime.UnixNano(), doc.Local.Ino, doc.Remote.ID, doc.Remote.Rev,
		doc.MD5Sum, boolToInt(doc.Executable), doc.Class, doc.MIME, doc.Size, doc.UpdatedAt.UnixNano(),
		doc.Errors, moveFromPath, moveFromIno, boolToInt(doc.Deleted), strings.Join(doc.Tags, ","), doc.Seq,
	)
	if err != nil {
		return Document{}, errors.Wrap(err, "catalog: writing document")
	}

	return doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func deleteDoc(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "catalog: deleting document")
	}
	return nil
}

func (s *SQLiteStore) ByID(ctx context.Context, id string) (Document, error) {
	return byID(ctx, s.db, id)
}

func (s *SQLiteStore) ByPath(ctx context.Context, path string) (Document, error) {
	return byPath(ctx, s.db, path)
}

func (s *SQLiteStore) ByIno(ctx context.Context, ino uint64) (Document, error) {
	return byIno(ctx, s.db, ino)
}

func (s *SQLiteStore) ByRemoteID(ctx context.Context, remoteID string) (Document, error) {
	return byRemoteID(ctx, s.db, remoteID)
}

func (s *SQLiteStore) ByDirty(ctx context.Context) ([]Document, error) {
	return byDirty(ctx, s.db)
}

func (s *SQLiteStore) ChangesSince(ctx context.Context, seq uint64) ([]Change, error) {
	return changesSince(ctx, s.db, seq)
}

func (s *SQLiteStore) TreeUnder(ctx context.Context, prefix string) ([]Document, error) {
	return treeUnder(ctx, s.db, prefix)
}

func (s *SQLiteStore) Put(ctx context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(ctx, s.db, doc)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteDoc(ctx, s.db, id)
}

// txStore implements Store against an in-flight *sql.Tx, used inside
// WithTx for atomic multi-document batches such as folder-move
// descendant rewrites.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) ByID(ctx context.Context, id string) (Document, error) { return byID(ctx, t.tx, id) }
func (t *txStore) ByPath(ctx context.Context, path string) (Document, error) {
	return byPath(ctx, t.tx, path)
}
func (t *txStore) ByIno(ctx context.Context, ino uint64) (Document, error) {
	return byIno(ctx, t.tx, ino)
}
func (t *txStore) ByRemoteID(ctx context.Context, remoteID string) (Document, error) {
	return byRemoteID(ctx, t.tx, remoteID)
}
func (t *txStore) ByDirty(ctx context.Context) ([]Document, error) { return byDirty(ctx, t.tx) }
func (t *txStore) ChangesSince(ctx context.Context, seq uint64) ([]Change, error) {
	return changesSince(ctx, t.tx, seq)
}
func (t *txStore) TreeUnder(ctx context.Context, prefix string) ([]Document, error) {
	return treeUnder(ctx, t.tx, prefix)
}
func (t *txStore) Put(ctx context.Context, doc Document) (Document, error) {
	return put(ctx, t.tx, doc)
}
func (t *txStore) Delete(ctx context.Context, id string) error { return deleteDoc(ctx, t.tx, id) }
func (t *txStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return errors.New("catalog: nested transactions are not supported")
}
func (t *txStore) Close() error { return errors.New("catalog: Close called on transaction handle") }

// WithTx runs fn against a transaction-scoped Store, committing on
// success and rolling back on error or panic. It holds the single
// writer mutex for its entire duration, so fn must not itself call back
// into the outer SQLiteStore.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "catalog: beginning transaction")
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "catalog: committing transaction")
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
