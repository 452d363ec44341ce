package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// UpsertPages writes a batch of synced pages in one transaction, replacing
// each page's outbound relations. The sync engine is the sole caller.
func (s *Store) UpsertPages(pages []Page, relations []Relation) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pages (page_id, library, title, property_text, plain_text, properties_json,
			url, archived, presence, remote_edited_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'present', ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			library = excluded.library,
			title = excluded.title,
			property_text = excluded.property_text,
			plain_text = excluded.plain_text,
			properties_json = excluded.properties_json,
			url = excluded.url,
			archived = excluded.archived,
			presence = 'present',
			remote_edited_at = excluded.remote_edited_at,
			synced_at = excluded.synced_at`)
	if err != nil {
		return fmt.Errorf("preparing page upsert: %w", err)
	}
	defer stmt.Close()

	touched := make(map[string]bool, len(pages))
	for _, p := range pages {
		archived := 0
		if p.Archived {
			archived = 1
		}
		if _, err := stmt.Exec(p.PageID, p.Library, p.Title, p.PropertyText, p.PlainText,
			p.PropertiesJSON, p.URL, archived, p.RemoteEditedAt, formatTime(p.SyncedAt)); err != nil {
			return fmt.Errorf("upserting page %s: %w", p.PageID, err)
		}
		touched[p.PageID] = true
	}

	for id := range touched {
		if _, err := tx.Exec(`DELETE FROM page_relations WHERE from_page_id = ?`, id); err != nil {
			return fmt.Errorf("clearing relations for %s: %w", id, err)
		}
	}
	relStmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO page_relations (from_page_id, property_name, to_page_id)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing relation insert: %w", err)
	}
	defer relStmt.Close()
	for _, r := range relations {
		if _, err := relStmt.Exec(r.FromPageID, r.PropertyName, r.ToPageID); err != nil {
			return fmt.Errorf("inserting relation %s -> %s: %w", r.FromPageID, r.ToPageID, err)
		}
	}

	return tx.Commit()
}

// PageWatermarks returns page_id -> remote last-modified watermark for every
// page ever observed in the library, regardless of presence.
func (s *Store) PageWatermarks(library string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT page_id, remote_edited_at FROM pages WHERE library = ?`, library)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, wm string
		if err := rows.Scan(&id, &wm); err != nil {
			return nil, err
		}
		out[id] = wm
	}
	return out, rows.Err()
}

// MarkMissingExcept flags every present page of the library that is not in
// seen as missing_remote and returns the flagged page ids.
func (s *Store) MarkMissingExcept(library string, seen map[string]bool) ([]string, error) {
	rows, err := s.db.Query(`SELECT page_id FROM pages WHERE library = ? AND presence = 'present'`, library)
	if err != nil {
		return nil, err
	}
	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(missing) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(missing)-1)
	args := make([]any, 0, len(missing))
	for _, id := range missing {
		args = append(args, id)
	}
	_, err = s.db.Exec(`UPDATE pages SET presence = 'missing_remote' WHERE page_id IN (?`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("flagging missing pages: %w", err)
	}
	return missing, nil
}

const pageColumns = `page_id, library, title, property_text, plain_text, properties_json,
	url, archived, presence, remote_edited_at, synced_at`

func scanPage(scanner interface{ Scan(...any) error }) (Page, error) {
	var p Page
	var archived int
	var syncedAt string
	err := scanner.Scan(&p.PageID, &p.Library, &p.Title, &p.PropertyText, &p.PlainText,
		&p.PropertiesJSON, &p.URL, &archived, &p.Presence, &p.RemoteEditedAt, &syncedAt)
	if err != nil {
		return Page{}, err
	}
	p.Archived = archived != 0
	if p.SyncedAt, err = parseTime(syncedAt); err != nil {
		return Page{}, fmt.Errorf("parsing synced_at for %s: %w", p.PageID, err)
	}
	return p, nil
}

// GetPage returns one page by its remote identifier.
func (s *Store) GetPage(pageID string) (Page, error) {
	row := s.db.QueryRow(`SELECT `+pageColumns+` FROM pages WHERE page_id = ?`, pageID)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return Page{}, ErrNotFound
	}
	return p, err
}

// ListPages returns all present, unarchived pages of a library ordered by
// title.
func (s *Store) ListPages(library string) ([]Page, error) {
	rows, err := s.db.Query(`SELECT `+pageColumns+` FROM pages
		WHERE library = ? AND presence = 'present' AND archived = 0
		ORDER BY title ASC`, library)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RelationsFrom returns all outbound relations of a page.
func (s *Store) RelationsFrom(pageID string) ([]Relation, error) {
	rows, err := s.db.Query(`SELECT from_page_id, property_name, to_page_id
		FROM page_relations WHERE from_page_id = ?`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

// RelationsTo returns all inbound relations pointing at a page, optionally
// restricted to source pages from one library.
func (s *Store) RelationsTo(pageID, fromLibrary string) ([]Relation, error) {
	query := `SELECT r.from_page_id, r.property_name, r.to_page_id
		FROM page_relations r`
	args := []any{pageID}
	if fromLibrary != "" {
		query += ` JOIN pages p ON p.page_id = r.from_page_id WHERE r.to_page_id = ? AND p.library = ?`
		args = append(args, fromLibrary)
	} else {
		query += ` WHERE r.to_page_id = ?`
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

func scanRelations(rows *sql.Rows) ([]Relation, error) {
	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.FromPageID, &r.PropertyName, &r.ToPageID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertLibrarySnapshot records a completed sync of one library.
func (s *Store) UpsertLibrarySnapshot(snap LibrarySnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO library_snapshots (library, database_id, title_property, schema_json,
			page_count, latest_edited_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library) DO UPDATE SET
			database_id = excluded.database_id,
			title_property = excluded.title_property,
			schema_json = excluded.schema_json,
			page_count = excluded.page_count,
			latest_edited_at = excluded.latest_edited_at,
			synced_at = excluded.synced_at`,
		snap.Library, snap.DatabaseID, snap.TitleProperty, snap.SchemaJSON,
		snap.PageCount, snap.LatestEditedAt, formatTime(snap.SyncedAt))
	return err
}

// GetLibrarySnapshot returns the last completed sync record for a library, or
// ErrNotFound if the library has never been synced.
func (s *Store) GetLibrarySnapshot(library string) (LibrarySnapshot, error) {
	var snap LibrarySnapshot
	var syncedAt string
	err := s.db.QueryRow(`SELECT library, database_id, title_property, schema_json,
		page_count, latest_edited_at, synced_at
		FROM library_snapshots WHERE library = ?`, library).
		Scan(&snap.Library, &snap.DatabaseID, &snap.TitleProperty, &snap.SchemaJSON,
			&snap.PageCount, &snap.LatestEditedAt, &syncedAt)
	if err == sql.ErrNoRows {
		return LibrarySnapshot{}, ErrNotFound
	}
	if err != nil {
		return LibrarySnapshot{}, err
	}
	if snap.SyncedAt, err = parseTime(syncedAt); err != nil {
		return LibrarySnapshot{}, fmt.Errorf("parsing synced_at: %w", err)
	}
	return snap, nil
}

// ListLibrarySnapshots returns every library snapshot keyed by library name.
func (s *Store) ListLibrarySnapshots() (map[string]LibrarySnapshot, error) {
	rows, err := s.db.Query(`SELECT library, database_id, title_property, schema_json,
		page_count, latest_edited_at, synced_at FROM library_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]LibrarySnapshot)
	for rows.Next() {
		var snap LibrarySnapshot
		var syncedAt string
		if err := rows.Scan(&snap.Library, &snap.DatabaseID, &snap.TitleProperty, &snap.SchemaJSON,
			&snap.PageCount, &snap.LatestEditedAt, &syncedAt); err != nil {
			return nil, err
		}
		if snap.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("parsing synced_at for %s: %w", snap.Library, err)
		}
		out[snap.Library] = snap
	}
	return out, rows.Err()
}

// LatestWatermark returns the maximum remote-edited watermark across present
// pages of the library, used as the incremental sync cursor.
func (s *Store) LatestWatermark(library string) (string, error) {
	var wm sql.NullString
	err := s.db.QueryRow(`SELECT MAX(remote_edited_at) FROM pages
		WHERE library = ? AND presence = 'present'`, library).Scan(&wm)
	if err != nil {
		return "", err
	}
	return wm.String, nil
}
