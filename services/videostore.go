package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"vodpipeline/models"
)

// VideoStore persists video metadata. Status changes go through
// TransitionStatus, Publish and MarkDeleted, which enforce the state machine
// with compare-and-set updates.
type VideoStore struct {
	db     *sql.DB
	driver string
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL CHECK (duration_seconds > 0),
		original_asset_ref TEXT,
		source_details TEXT,
		working_directory_ref TEXT NOT NULL,
		available_renditions TEXT NOT NULL DEFAULT '[]',
		thumbnail TEXT,
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS video_captions (
		video_id TEXT NOT NULL REFERENCES videos(id),
		language_tag TEXT NOT NULL,
		display_name TEXT NOT NULL,
		source_asset_ref TEXT NOT NULL DEFAULT '',
		rendition_name TEXT,
		position INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (video_id, language_tag)
	)`,
}

// NewVideoStore opens the store with driver "postgres" or "sqlite" and
// applies the schema.
func NewVideoStore(driver, dsn string) (*VideoStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// One writer at a time; sqlite serializes writes anyway.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &VideoStore{db: db, driver: driver}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}
	return s, nil
}

func (s *VideoStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *VideoStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *VideoStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *VideoStore) Create(ctx context.Context, v *models.Video) error {
	if v.ID == "" {
		return fmt.Errorf("video id is required")
	}
	if v.DurationSeconds <= 0 {
		return fmt.Errorf("duration must be positive, got %v", v.DurationSeconds)
	}
	if v.Status == "" {
		v.Status = models.StatusReadyForProcessing
	}
	renditions, err := json.Marshal(nonNil(v.AvailableRenditions))
	if err != nil {
		return err
	}
	var details string
	if v.Source != nil {
		data, err := json.Marshal(v.Source)
		if err != nil {
			return err
		}
		details = string(data)
	}
	ts := now()
	_, err = s.exec(ctx,
		`INSERT INTO videos (
			id, title, status, duration_seconds, original_asset_ref, source_details, working_directory_ref,
			available_renditions, thumbnail, is_published, is_deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Title, string(v.Status), v.DurationSeconds, nullable(v.OriginalAssetRef),
		nullable(details), v.WorkingDirectoryRef, string(renditions), nullable(v.Thumbnail),
		v.IsPublished, v.IsDeleted, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *VideoStore) Get(ctx context.Context, id string) (*models.Video, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, title, status, duration_seconds, original_asset_ref, source_details, working_directory_ref,
			available_renditions, thumbnail, is_published, is_deleted, created_at, updated_at
		FROM videos WHERE id = ?`), id)

	var (
		v          models.Video
		status     string
		source     sql.NullString
		details    sql.NullString
		thumbnail  sql.NullString
		renditions string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&v.ID, &v.Title, &status, &v.DurationSeconds, &source, &details, &v.WorkingDirectoryRef,
		&renditions, &thumbnail, &v.IsPublished, &v.IsDeleted, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrVideoNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load video %s: %w", id, err)
	}

	v.Status = models.VideoStatus(status)
	v.OriginalAssetRef = source.String
	v.Thumbnail = thumbnail.String
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if err := json.Unmarshal([]byte(renditions), &v.AvailableRenditions); err != nil {
		return nil, fmt.Errorf("decode renditions of %s: %w", id, err)
	}
	if details.Valid {
		v.Source = &models.SourceDetails{}
		if err := json.Unmarshal([]byte(details.String), v.Source); err != nil {
			return nil, fmt.Errorf("decode source details of %s: %w", id, err)
		}
	}

	captions, err := s.captions(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Captions = captions
	return &v, nil
}

func (s *VideoStore) captions(ctx context.Context, videoID string) ([]models.Caption, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT language_tag, display_name, source_asset_ref, rendition_name, updated_at
		FROM video_captions WHERE video_id = ? ORDER BY position`), videoID)
	if err != nil {
		return nil, fmt.Errorf("load captions of %s: %w", videoID, err)
	}
	defer rows.Close()

	var captions []models.Caption
	for rows.Next() {
		var (
			c         models.Caption
			rendition sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&c.LanguageTag, &c.DisplayName, &c.SourceAssetRef, &rendition, &updatedAt); err != nil {
			return nil, err
		}
		c.RenditionName = rendition.String
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		captions = append(captions, c)
	}
	return captions, rows.Err()
}

// TransitionStatus moves a video from one status to another, failing with
// models.ErrStatusConflict if the stored status is no longer from.
func (s *VideoStore) TransitionStatus(ctx context.Context, id string, from, to models.VideoStatus) error {
	if err := models.CheckTransition(from, to); err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE videos SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now(), id, string(from))
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id, from)
}

// SetStatus loads the current status and applies a checked transition.
func (s *VideoStore) SetStatus(ctx context.Context, id string, to models.VideoStatus) error {
	v, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.TransitionStatus(ctx, id, v.Status, to)
}

func (s *VideoStore) SetRenditions(ctx context.Context, id string, renditions []string) error {
	data, err := json.Marshal(nonNil(renditions))
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE videos SET available_renditions = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), id)
	if err != nil {
		return fmt.Errorf("update renditions of %s: %w", id, err)
	}
	return s.expectFound(res, id)
}

// ReleaseSourceAsset clears the reference to the uploaded source.
func (s *VideoStore) ReleaseSourceAsset(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE videos SET original_asset_ref = NULL, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("release source of %s: %w", id, err)
	}
	return s.expectFound(res, id)
}

func (s *VideoStore) SetThumbnail(ctx context.Context, id, thumbnail string) error {
	res, err := s.exec(ctx,
		`UPDATE videos SET thumbnail = ?, updated_at = ? WHERE id = ?`, nullable(thumbnail), now(), id)
	if err != nil {
		return fmt.Errorf("update thumbnail of %s: %w", id, err)
	}
	return s.expectFound(res, id)
}

// AddCaption records a submitted caption; resubmitting a language replaces
// its source but keeps its position.
func (s *VideoStore) AddCaption(ctx context.Context, videoID string, c models.Caption) error {
	ts := now()
	_, err := s.exec(ctx,
		`INSERT INTO video_captions (video_id, language_tag, display_name, source_asset_ref, position, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM video_captions WHERE video_id = ?), ?)
		ON CONFLICT (video_id, language_tag) DO UPDATE SET
			display_name = excluded.display_name,
			source_asset_ref = excluded.source_asset_ref,
			updated_at = excluded.updated_at`,
		videoID, c.LanguageTag, c.DisplayName, c.SourceAssetRef, videoID, ts)
	if err != nil {
		return fmt.Errorf("add caption %s to %s: %w", c.LanguageTag, videoID, err)
	}
	return nil
}

// AppendCaptionResult stores the subtitle rendition produced for a language.
func (s *VideoStore) AppendCaptionResult(ctx context.Context, videoID, languageTag, displayName, renditionName string) error {
	ts := now()
	_, err := s.exec(ctx,
		`INSERT INTO video_captions (video_id, language_tag, display_name, rendition_name, position, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM video_captions WHERE video_id = ?), ?)
		ON CONFLICT (video_id, language_tag) DO UPDATE SET
			display_name = excluded.display_name,
			rendition_name = excluded.rendition_name,
			updated_at = excluded.updated_at`,
		videoID, languageTag, displayName, renditionName, videoID, ts)
	if err != nil {
		return fmt.Errorf("store caption result %s for %s: %w", languageTag, videoID, err)
	}
	return nil
}

// Publish is only permitted from Ready to publish.
func (s *VideoStore) Publish(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE videos SET status = ?, is_published = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.StatusPublished), true, now(), id, string(models.StatusReadyToPublish))
	if err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id, models.StatusReadyToPublish)
}

// MarkDeleted logically deletes a video. Callers release its files first.
func (s *VideoStore) MarkDeleted(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE videos SET status = ?, is_deleted = ?, is_published = ?, original_asset_ref = NULL, updated_at = ?
		WHERE id = ? AND status <> ?`,
		string(models.StatusDeleted), true, false, now(), id, string(models.StatusDeleted))
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q -> %q", models.ErrInvalidTransition, models.StatusDeleted, models.StatusDeleted)
	}
	return nil
}

func (s *VideoStore) expectFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrVideoNotFound, id)
	}
	return nil
}

func (s *VideoStore) expectOne(ctx context.Context, res sql.Result, id string, from models.VideoStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %q, expected %q", models.ErrStatusConflict, id, current.Status, from)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
