package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/prjdev/prj/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool, which
	// also makes queue claims atomic under concurrent workers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func marshalTopics(topics []string) string {
	if len(topics) == 0 {
		return "[]"
	}
	data, err := json.Marshal(topics)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalTopics(data string) []string {
	var topics []string
	_ = json.Unmarshal([]byte(data), &topics)
	return topics
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, description, repo_url, language, group_name, topics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Description, p.RepoURL, p.Language, p.GroupName,
		marshalTopics(p.Topics), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

const projectColumns = `id, name, path, description, repo_url, language, group_name, topics, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	var topics string
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Description, &p.RepoURL, &p.Language, &p.GroupName, &topics, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Topics = unmarshalTopics(topics)
	return p, nil
}

func (s *SQLiteStore) getProject(ctx context.Context, where, arg, what string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE `+where+` = ?`, arg)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProject(ctx, "id", id, id)
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getProject(ctx, "name", name, name)
}

func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	return s.getProject(ctx, "path", path, path)
}

func (s *SQLiteStore) ListProjects(ctx context.Context, group string) ([]*models.Project, error) {
	var rows *sql.Rows
	var err error
	if group != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE group_name = ? ORDER BY name`, group)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+projectColumns+` FROM projects ORDER BY name`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, path=?, description=?, repo_url=?, language=?, group_name=?, topics=?, updated_at=?
		WHERE id=?`,
		p.Name, p.Path, p.Description, p.RepoURL, p.Language, p.GroupName,
		marshalTopics(p.Topics), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Remote repos ---

const remoteRepoColumns = `id, project_id, platform, owner, repo, remote_url, default_branch, sync_enabled, last_synced_at, created_at, updated_at`

func scanRemoteRepo(row interface{ Scan(...any) error }) (*models.RemoteRepo, error) {
	r := &models.RemoteRepo{}
	var platform string
	var lastSynced sql.NullTime
	err := row.Scan(&r.ID, &r.ProjectID, &platform, &r.Owner, &r.Repo, &r.RemoteURL,
		&r.DefaultBranch, &r.SyncEnabled, &lastSynced, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Platform = models.Platform(platform)
	if lastSynced.Valid {
		r.LastSyncedAt = &lastSynced.Time
	}
	return r, nil
}

func (s *SQLiteStore) CreateRemoteRepo(ctx context.Context, r *models.RemoteRepo) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_repos (id, project_id, platform, owner, repo, remote_url, default_branch, sync_enabled, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, string(r.Platform), r.Owner, r.Repo, r.RemoteURL,
		r.DefaultBranch, boolToInt(r.SyncEnabled), r.LastSyncedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create remote repo: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRemoteRepoByProject(ctx context.Context, projectID string) (*models.RemoteRepo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+remoteRepoColumns+` FROM remote_repos WHERE project_id = ?`, projectID)
	r, err := scanRemoteRepo(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("remote repo for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote repo: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRemoteRepos(ctx context.Context, enabledOnly bool) ([]*models.RemoteRepo, error) {
	query := `SELECT ` + remoteRepoColumns + ` FROM remote_repos`
	if enabledOnly {
		query += ` WHERE sync_enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list remote repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.RemoteRepo
	for rows.Next() {
		r, err := scanRemoteRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) UpdateRemoteRepo(ctx context.Context, r *models.RemoteRepo) error {
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE remote_repos SET platform=?, owner=?, repo=?, remote_url=?, default_branch=?, sync_enabled=?, last_synced_at=?, updated_at=?
		WHERE id=?`,
		string(r.Platform), r.Owner, r.Repo, r.RemoteURL, r.DefaultBranch,
		boolToInt(r.SyncEnabled), r.LastSyncedAt, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update remote repo: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("remote repo %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRemoteRepo(ctx context.Context, projectID string, purgeCache bool) error {
	r, err := s.GetRemoteRepoByProject(ctx, projectID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if purgeCache {
		if _, err := tx.ExecContext(ctx, "DELETE FROM remote_metrics_cache WHERE remote_repo_id = ?", r.ID); err != nil {
			return fmt.Errorf("purge metrics cache: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pipeline_status WHERE remote_repo_id = ?", r.ID); err != nil {
			return fmt.Errorf("purge pipeline status: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM remote_repos WHERE id = ?", r.ID); err != nil {
		return fmt.Errorf("delete remote repo: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchLastSynced(ctx context.Context, remoteRepoID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE remote_repos SET last_synced_at=?, updated_at=? WHERE id=?`,
		at.UTC(), time.Now().UTC(), remoteRepoID,
	)
	if err != nil {
		return fmt.Errorf("touch last synced: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("remote repo %s: %w", remoteRepoID, ErrNotFound)
	}
	return nil
}

// --- Metrics cache ---

func (s *SQLiteStore) SaveRemoteMetrics(ctx context.Context, m *models.RemoteMetrics) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.FetchedAt.IsZero() {
		m.FetchedAt = time.Now().UTC()
	}

	// Wholesale replace: the cache never merges partial fetches.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_metrics_cache (id, remote_repo_id, stars, forks, watchers, open_issues, open_prs, language, license, description, topics, size_kb, archived, pushed_at, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_repo_id) DO UPDATE SET
			stars=excluded.stars, forks=excluded.forks, watchers=excluded.watchers,
			open_issues=excluded.open_issues, open_prs=excluded.open_prs,
			language=excluded.language, license=excluded.license,
			description=excluded.description, topics=excluded.topics,
			size_kb=excluded.size_kb, archived=excluded.archived,
			pushed_at=excluded.pushed_at, fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds`,
		m.ID, m.RemoteRepoID, m.Stars, m.Forks, m.Watchers, m.OpenIssues, m.OpenPRs,
		m.Language, m.License, m.Description, marshalTopics(m.Topics), m.SizeKB,
		boolToInt(m.Archived), m.PushedAt, m.FetchedAt, m.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("save remote metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRemoteMetrics(ctx context.Context, remoteRepoID string) (*models.RemoteMetrics, error) {
	m := &models.RemoteMetrics{}
	var topics string
	var pushedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, remote_repo_id, stars, forks, watchers, open_issues, open_prs, language, license, description, topics, size_kb, archived, pushed_at, fetched_at, ttl_seconds
		FROM remote_metrics_cache WHERE remote_repo_id = ?`, remoteRepoID,
	).Scan(&m.ID, &m.RemoteRepoID, &m.Stars, &m.Forks, &m.Watchers, &m.OpenIssues, &m.OpenPRs,
		&m.Language, &m.License, &m.Description, &topics, &m.SizeKB, &m.Archived, &pushedAt, &m.FetchedAt, &m.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("remote metrics for %s: %w", remoteRepoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote metrics: %w", err)
	}

	m.Topics = unmarshalTopics(topics)
	if pushedAt.Valid {
		m.PushedAt = &pushedAt.Time
	}
	return m, nil
}

// --- Pipeline status ---

func (s *SQLiteStore) SavePipelineStatus(ctx context.Context, p *models.PipelineStatus) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_status (id, remote_repo_id, workflow, state, branch, commit_sha, url, started_at, completed_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_repo_id) DO UPDATE SET
			workflow=excluded.workflow, state=excluded.state, branch=excluded.branch,
			commit_sha=excluded.commit_sha, url=excluded.url,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			fetched_at=excluded.fetched_at`,
		p.ID, p.RemoteRepoID, p.Workflow, string(p.State), p.Branch, p.CommitSHA,
		p.URL, p.StartedAt, p.CompletedAt, p.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("save pipeline status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPipelineStatus(ctx context.Context, remoteRepoID string) (*models.PipelineStatus, error) {
	p := &models.PipelineStatus{}
	var state string
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, remote_repo_id, workflow, state, branch, commit_sha, url, started_at, completed_at, fetched_at
		FROM pipeline_status WHERE remote_repo_id = ?`, remoteRepoID,
	).Scan(&p.ID, &p.RemoteRepoID, &p.Workflow, &state, &p.Branch, &p.CommitSHA,
		&p.URL, &startedAt, &completedAt, &p.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline status for %s: %w", remoteRepoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline status: %w", err)
	}

	p.State = models.PipelineState(state)
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

// --- Sync queue ---

const queueColumns = `id, project_id, platform, priority, state, attempts, last_error, not_before, enqueued_at, updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*models.SyncQueueItem, error) {
	item := &models.SyncQueueItem{}
	var platform, state string
	var notBefore sql.NullTime
	err := row.Scan(&item.ID, &item.ProjectID, &platform, &item.Priority, &state,
		&item.Attempts, &item.LastError, &notBefore, &item.EnqueuedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Platform = models.Platform(platform)
	item.State = models.QueueState(state)
	if notBefore.Valid {
		item.NotBefore = &notBefore.Time
	}
	return item, nil
}

// EnqueueSync adds a sync request for (projectID, platform). While an item for
// the pair is still pending or processing, a duplicate enqueue lowers its
// priority number to the minimum of old and new instead of inserting a second
// row.
func (s *SQLiteStore) EnqueueSync(ctx context.Context, projectID string, platform models.Platform, priority int) (*models.SyncQueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue
		WHERE project_id = ? AND platform = ? AND state IN ('pending', 'processing')`,
		projectID, string(platform))
	existing, err := scanQueueItem(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check sync queue: %w", err)
	}

	now := time.Now().UTC()

	if existing != nil {
		if priority < existing.Priority {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sync_queue SET priority=?, updated_at=? WHERE id=?`,
				priority, now, existing.ID); err != nil {
				return nil, fmt.Errorf("update queue priority: %w", err)
			}
			existing.Priority = priority
			existing.UpdatedAt = now
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return existing, nil
	}

	item := &models.SyncQueueItem{
		ID:         newULID(),
		ProjectID:  projectID,
		Platform:   platform,
		Priority:   priority,
		State:      models.QueuePending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_queue (id, project_id, platform, priority, state, attempts, last_error, not_before, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, '', NULL, ?, ?)`,
		item.ID, item.ProjectID, string(item.Platform), item.Priority, item.EnqueuedAt, item.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return item, nil
}

// ClaimNextSync atomically claims the highest-priority pending item for the
// platform whose not_before has passed, transitioning it to processing.
// Returns (nil, nil) when nothing is claimable.
func (s *SQLiteStore) ClaimNextSync(ctx context.Context, platform models.Platform, now time.Time) (*models.SyncQueueItem, error) {
	// Claim loop: select a candidate, then compare-and-swap its state. With a
	// single connection the CAS is belt and braces, but it keeps the claim
	// correct if the pool is ever widened.
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+queueColumns+` FROM sync_queue
			WHERE state = 'pending' AND platform = ?
			AND (not_before IS NULL OR not_before <= ?)
			ORDER BY priority ASC, enqueued_at ASC
			LIMIT 1`, string(platform), now.UTC())
		item, err := scanQueueItem(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select next sync item: %w", err)
		}

		result, err := s.db.ExecContext(ctx,
			`UPDATE sync_queue SET state='processing', updated_at=? WHERE id=? AND state='pending'`,
			time.Now().UTC(), item.ID)
		if err != nil {
			return nil, fmt.Errorf("claim sync item: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 1 {
			item.State = models.QueueProcessing
			return item, nil
		}
		// Lost the race, try the next candidate.
	}
}

// ClaimSyncItem claims a specific pending item by id. Returns (nil, nil)
// when the item is no longer pending, e.g. another worker claimed it first.
func (s *SQLiteStore) ClaimSyncItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='processing', updated_at=? WHERE id=? AND state='pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("claim sync item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("get sync item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) setQueueState(ctx context.Context, id string, state models.QueueState, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state=?, last_error=?, not_before=NULL, updated_at=? WHERE id=?`,
		string(state), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update sync item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CompleteSyncItem(ctx context.Context, id string) error {
	return s.setQueueState(ctx, id, models.QueueCompleted, "")
}

// FailSyncItem moves an item to terminal failed state and charges an attempt.
func (s *SQLiteStore) FailSyncItem(ctx context.Context, id, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='failed', attempts=attempts+1, last_error=?, not_before=NULL, updated_at=? WHERE id=?`,
		errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail sync item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync item %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueSyncItem returns an item to pending after a transient failure,
// charging an attempt and scheduling the earliest retry time.
func (s *SQLiteStore) RequeueSyncItem(ctx context.Context, id, errMsg string, notBefore time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='pending', attempts=attempts+1, last_error=?, not_before=?, updated_at=? WHERE id=?`,
		errMsg, notBefore.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("requeue sync item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseSyncItem returns a rate-limited item to pending without charging an
// attempt; it becomes claimable again once notBefore passes.
func (s *SQLiteStore) ReleaseSyncItem(ctx context.Context, id string, notBefore time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='pending', not_before=?, updated_at=? WHERE id=?`,
		notBefore.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("release sync item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListSyncQueue(ctx context.Context, state models.QueueState) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY priority ASC, enqueued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) SyncQueueStats(ctx context.Context) (map[models.QueueState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("sync queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := map[models.QueueState]int{
		models.QueuePending:    0,
		models.QueueProcessing: 0,
		models.QueueCompleted:  0,
		models.QueueFailed:     0,
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[models.QueueState(state)] = count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) ClearCompletedSync(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE state = 'completed'`)
	if err != nil {
		return 0, fmt.Errorf("clear completed sync items: %w", err)
	}
	return result.RowsAffected()
}

// RetryFailedSync requeues all failed items as pending with attempts reset.
func (s *SQLiteStore) RetryFailedSync(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='pending', attempts=0, last_error='', not_before=NULL, updated_at=?
		WHERE state='failed'`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("retry failed sync items: %w", err)
	}
	return result.RowsAffected()
}

// ResetOrphanedSync returns items stuck in processing (e.g. after a crash)
// to pending. Called once at startup before workers run.
func (s *SQLiteStore) ResetOrphanedSync(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state='pending', updated_at=? WHERE state='processing'`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset orphaned sync items: %w", err)
	}
	return result.RowsAffected()
}
