package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
)

// PostgresStorage implements Storage backed by PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage connects to PostgreSQL and ensures the schema exists.
func NewPostgresStorage(connStr string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStorage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS storage_nodes (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		storage_capacity BIGINT NOT NULL DEFAULT 0,
		storage_available BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'offline',
		geolocation TEXT NOT NULL DEFAULT '',
		reputation_score DOUBLE PRECISION NOT NULL DEFAULT 100,
		uptime_percentage DOUBLE PRECISION NOT NULL DEFAULT 100,
		avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 500,
		successful_transfers BIGINT NOT NULL DEFAULT 0,
		failed_transfers BIGINT NOT NULL DEFAULT 0,
		avg_bandwidth_kbps DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		size BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reliability_level INT NOT NULL DEFAULT 3,
		data_count INT NOT NULL DEFAULT 0,
		parity_count INT NOT NULL DEFAULT 0,
		fragment_size BIGINT NOT NULL DEFAULT 0,
		wrapped_key BYTEA,
		merkle_root TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS file_fragments (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		account_id TEXT NOT NULL,
		fragment_index INT NOT NULL,
		fragment_type TEXT NOT NULL,
		hash TEXT NOT NULL,
		size BIGINT NOT NULL,
		iv BYTEA NOT NULL,
		auth_tag BYTEA NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (file_id, fragment_index)
	);

	CREATE TABLE IF NOT EXISTS placements (
		id TEXT PRIMARY KEY,
		fragment_id TEXT NOT NULL REFERENCES file_fragments(id) ON DELETE CASCADE,
		node_id TEXT NOT NULL REFERENCES storage_nodes(id),
		status TEXT NOT NULL DEFAULT 'pending',
		redundancy_level INT NOT NULL DEFAULT 3,
		storage_location TEXT NOT NULL DEFAULT '',
		last_verified TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (fragment_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS peer_connections (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		transfer_type TEXT NOT NULL,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reputation_scores (
		node_id TEXT PRIMARY KEY REFERENCES storage_nodes(id) ON DELETE CASCADE,
		uptime DOUBLE PRECISION NOT NULL DEFAULT 100,
		response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 500,
		total_stored BIGINT NOT NULL DEFAULT 0,
		successes BIGINT NOT NULL DEFAULT 0,
		failures BIGINT NOT NULL DEFAULT 0,
		score DOUBLE PRECISION NOT NULL DEFAULT 100,
		tier TEXT NOT NULL DEFAULT 'platinum',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_status_score ON storage_nodes(status, reputation_score DESC);
	CREATE INDEX IF NOT EXISTS idx_fragments_file ON file_fragments(file_id);
	CREATE INDEX IF NOT EXISTS idx_placements_fragment ON placements(fragment_id);
	CREATE INDEX IF NOT EXISTS idx_placements_node ON placements(node_id);
	CREATE INDEX IF NOT EXISTS idx_placements_status ON placements(status);
	CREATE INDEX IF NOT EXISTS idx_peer_connections_target ON peer_connections(target_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const nodeColumns = `id, account_id, storage_capacity, storage_available, status, geolocation,
	reputation_score, uptime_percentage, avg_response_time_ms,
	successful_transfers, failed_transfers, avg_bandwidth_kbps,
	last_seen, created_at, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*models.StorageNode, error) {
	var n models.StorageNode
	err := row.Scan(&n.ID, &n.AccountID, &n.StorageCapacity, &n.StorageAvailable,
		&n.Status, &n.Geolocation, &n.ReputationScore, &n.UptimePercentage,
		&n.AvgResponseTimeMs, &n.SuccessfulTransfers, &n.FailedTransfers,
		&n.AvgBandwidthKBps, &n.LastSeen, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// === Node Operations ===

// CreateNode registers a new storage node with fresh-node defaults.
func (s *PostgresStorage) CreateNode(node *models.StorageNode) error {
	status := node.Status
	if status == "" {
		status = models.NodeOffline
	}
	available := node.StorageAvailable
	if available == 0 {
		available = node.StorageCapacity
	}
	_, err := s.db.Exec(`
		INSERT INTO storage_nodes (id, account_id, storage_capacity, storage_available, status, geolocation)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		node.ID, node.AccountID, node.StorageCapacity, available, status, node.Geolocation)
	return err
}

// GetNode retrieves a node by ID.
func (s *PostgresStorage) GetNode(nodeID string) (*models.StorageNode, bool) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM storage_nodes WHERE id = $1`, nodeID)
	n, err := scanNode(row)
	if err != nil {
		return nil, false
	}
	return n, true
}

// UpdateNodeStatus transitions a node's status. Going online refreshes
// last-seen.
func (s *PostgresStorage) UpdateNodeStatus(nodeID string, status models.NodeStatus) error {
	res, err := s.db.Exec(`
		UPDATE storage_nodes
		SET status = $1,
		    last_seen = CASE WHEN $1 = 'online' THEN NOW() ELSE last_seen END,
		    updated_at = NOW()
		WHERE id = $2`, string(status), nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

// TouchNode refreshes a node's last-seen timestamp.
func (s *PostgresStorage) TouchNode(nodeID string) error {
	res, err := s.db.Exec(`UPDATE storage_nodes SET last_seen = NOW() WHERE id = $1`, nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

// SetNodeCapacity records the node's self-reported available capacity,
// clamped to [0, capacity].
func (s *PostgresStorage) SetNodeCapacity(nodeID string, available int64) error {
	res, err := s.db.Exec(`
		UPDATE storage_nodes
		SET storage_available = GREATEST(0, LEAST($1::BIGINT, storage_capacity)),
		    updated_at = NOW()
		WHERE id = $2`, available, nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

// RecordNodeTransfer updates the node's performance snapshot from one
// observed transfer.
func (s *PostgresStorage) RecordNodeTransfer(nodeID string, success bool, latencyMs float64, bytes int64) error {
	kbps := 0.0
	if latencyMs > 0 && bytes > 0 {
		kbps = float64(bytes) / latencyMs * 1000 / 1024
	}
	res, err := s.db.Exec(`
		UPDATE storage_nodes
		SET successful_transfers = successful_transfers + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_transfers = failed_transfers + CASE WHEN $2 THEN 0 ELSE 1 END,
		    avg_response_time_ms = CASE WHEN $3::DOUBLE PRECISION > 0
		        THEN avg_response_time_ms * 0.9 + $3 * 0.1
		        ELSE avg_response_time_ms END,
		    avg_bandwidth_kbps = CASE
		        WHEN $4::DOUBLE PRECISION <= 0 THEN avg_bandwidth_kbps
		        WHEN avg_bandwidth_kbps = 0 THEN $4
		        ELSE avg_bandwidth_kbps * 0.9 + $4 * 0.1 END,
		    updated_at = NOW()
		WHERE id = $1`, nodeID, success, latencyMs, kbps)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

// EligibleNodes lists online nodes at or above minScore, best first.
func (s *PostgresStorage) EligibleNodes(minScore float64, limit int) ([]*models.StorageNode, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM storage_nodes
		WHERE status = 'online' AND reputation_score >= $1
		ORDER BY reputation_score DESC, id ASC
		LIMIT $2`, minScore, nodeLimit(limit))
}

// DiscoverableNodes lists online nodes with free capacity at or above
// minScore, best first.
func (s *PostgresStorage) DiscoverableNodes(minScore float64, limit int) ([]*models.StorageNode, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM storage_nodes
		WHERE status = 'online' AND storage_available > 0 AND reputation_score >= $1
		ORDER BY reputation_score DESC, id ASC
		LIMIT $2`, minScore, nodeLimit(limit))
}

// TopNodes lists all nodes by descending reputation.
func (s *PostgresStorage) TopNodes(limit int) ([]*models.StorageNode, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM storage_nodes
		ORDER BY reputation_score DESC, id ASC
		LIMIT $1`, nodeLimit(limit))
}

func nodeLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func (s *PostgresStorage) queryNodes(query string, args ...interface{}) ([]*models.StorageNode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StorageNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// === File Operations ===

// UpsertFile creates or updates a file record, preserving created_at.
func (s *PostgresStorage) UpsertFile(file *models.File) error {
	_, err := s.db.Exec(`
		INSERT INTO files (id, account_id, name, size, status, reliability_level,
			data_count, parity_count, fragment_size, wrapped_key, merkle_root)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			size = EXCLUDED.size,
			status = EXCLUDED.status,
			reliability_level = EXCLUDED.reliability_level,
			data_count = EXCLUDED.data_count,
			parity_count = EXCLUDED.parity_count,
			fragment_size = EXCLUDED.fragment_size,
			wrapped_key = EXCLUDED.wrapped_key,
			merkle_root = EXCLUDED.merkle_root,
			updated_at = NOW()`,
		file.ID, file.AccountID, file.Name, file.Size, file.Status, file.ReliabilityLevel,
		file.DataCount, file.ParityCount, file.FragmentSize, file.WrappedKey, file.MerkleRoot)
	return err
}

// GetFile retrieves a file by ID.
func (s *PostgresStorage) GetFile(fileID string) (*models.File, bool) {
	var f models.File
	err := s.db.QueryRow(`
		SELECT id, account_id, name, size, status, reliability_level,
			data_count, parity_count, fragment_size, wrapped_key, merkle_root,
			created_at, updated_at
		FROM files WHERE id = $1`, fileID).Scan(
		&f.ID, &f.AccountID, &f.Name, &f.Size, &f.Status, &f.ReliabilityLevel,
		&f.DataCount, &f.ParityCount, &f.FragmentSize, &f.WrappedKey, &f.MerkleRoot,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, false
	}
	return &f, true
}

// UpdateFileStatus moves a file through its distribution lifecycle.
func (s *PostgresStorage) UpdateFileStatus(fileID string, status models.FileStatus) error {
	res, err := s.db.Exec(`UPDATE files SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), fileID)
	if err != nil {
		return err
	}
	return requireRow(res, "file", fileID)
}

// === Fragment Operations ===

// CreateFragments persists a distribution's fragment batch in one
// transaction.
func (s *PostgresStorage) CreateFragments(fragments []*models.FileFragment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, frag := range fragments {
		status := frag.Status
		if status == "" {
			status = models.FragmentPending
		}
		_, err := tx.Exec(`
			INSERT INTO file_fragments (id, file_id, account_id, fragment_index,
				fragment_type, hash, size, iv, auth_tag, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			frag.ID, frag.FileID, frag.AccountID, frag.FragmentIndex,
			frag.FragmentType, frag.Hash, frag.Size, frag.IV, frag.AuthTag, status)
		if err != nil {
			return fmt.Errorf("failed to insert fragment %d: %w", frag.FragmentIndex, err)
		}
	}
	return tx.Commit()
}

const fragmentColumns = `id, file_id, account_id, fragment_index, fragment_type,
	hash, size, iv, auth_tag, status, created_at`

func scanFragment(row interface{ Scan(...interface{}) error }) (*models.FileFragment, error) {
	var f models.FileFragment
	err := row.Scan(&f.ID, &f.FileID, &f.AccountID, &f.FragmentIndex, &f.FragmentType,
		&f.Hash, &f.Size, &f.IV, &f.AuthTag, &f.Status, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FragmentsByFile returns a file's fragments ordered by index.
func (s *PostgresStorage) FragmentsByFile(fileID string) ([]*models.FileFragment, error) {
	rows, err := s.db.Query(`
		SELECT `+fragmentColumns+` FROM file_fragments
		WHERE file_id = $1 ORDER BY fragment_index ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FileFragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFragment retrieves a fragment by ID.
func (s *PostgresStorage) GetFragment(fragmentID string) (*models.FileFragment, bool) {
	row := s.db.QueryRow(`SELECT `+fragmentColumns+` FROM file_fragments WHERE id = $1`, fragmentID)
	f, err := scanFragment(row)
	if err != nil {
		return nil, false
	}
	return f, true
}

// UpdateFragmentStatus advances a fragment's status. Verified fragments
// are immutable.
func (s *PostgresStorage) UpdateFragmentStatus(fragmentID string, status models.FragmentStatus) error {
	res, err := s.db.Exec(`
		UPDATE file_fragments SET status = $1
		WHERE id = $2 AND NOT (status = 'verified' AND $1 <> 'verified')`,
		string(status), fragmentID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		var current string
		if err := s.db.QueryRow(`SELECT status FROM file_fragments WHERE id = $1`, fragmentID).Scan(&current); err != nil {
			return fmt.Errorf("fragment %s not found", fragmentID)
		}
		return fmt.Errorf("fragment %s is verified and immutable", fragmentID)
	}
	return nil
}

// === Placement Operations ===

// ReservePlacements atomically decrements node capacity and records the
// placement batch. Placements on offline, full, or duplicate targets are
// dropped, as are placements that would push a fragment past its
// redundancy level.
func (s *PostgresStorage) ReservePlacements(placements []*models.Placement, fragmentBytes map[string]int64) ([]*models.Placement, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var accepted []*models.Placement
	for _, p := range placements {
		size := fragmentBytes[p.FragmentID]

		res, err := tx.Exec(`
			UPDATE storage_nodes
			SET storage_available = storage_available - $1, updated_at = NOW()
			WHERE id = $2 AND status = 'online' AND storage_available >= $1`,
			size, p.NodeID)
		if err != nil {
			return nil, err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}

		status := p.Status
		if status == "" {
			status = models.PlacementPending
		}
		res, err = tx.Exec(`
			INSERT INTO placements (id, fragment_id, node_id, status, redundancy_level, storage_location)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE (SELECT COUNT(*) FROM placements WHERE fragment_id = $2) < $5
			ON CONFLICT (fragment_id, node_id) DO NOTHING`,
			p.ID, p.FragmentID, p.NodeID, status, p.RedundancyLevel, p.StorageLocation)
		if err != nil {
			return nil, err
		}
		count, err = res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			// Placement not recorded, give the capacity back.
			if _, err := tx.Exec(`
				UPDATE storage_nodes
				SET storage_available = storage_available + $1
				WHERE id = $2`, size, p.NodeID); err != nil {
				return nil, err
			}
			continue
		}

		out := *p
		out.Status = status
		accepted = append(accepted, &out)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return accepted, nil
}

const placementColumns = `id, fragment_id, node_id, status, redundancy_level,
	storage_location, last_verified, created_at, updated_at`

func scanPlacement(row interface{ Scan(...interface{}) error }) (*models.Placement, error) {
	var p models.Placement
	var lastVerified sql.NullTime
	err := row.Scan(&p.ID, &p.FragmentID, &p.NodeID, &p.Status, &p.RedundancyLevel,
		&p.StorageLocation, &lastVerified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastVerified.Valid {
		p.LastVerified = lastVerified.Time
	}
	return &p, nil
}

// PlacementsByFragment returns all placements of a fragment.
func (s *PostgresStorage) PlacementsByFragment(fragmentID string) ([]*models.Placement, error) {
	return s.queryPlacements(`
		SELECT `+placementColumns+` FROM placements
		WHERE fragment_id = $1 ORDER BY id ASC`, fragmentID)
}

// PendingPlacements returns placements still awaiting a push, oldest first.
func (s *PostgresStorage) PendingPlacements(limit int) ([]*models.Placement, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryPlacements(`
		SELECT `+placementColumns+` FROM placements
		WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
}

func (s *PostgresStorage) queryPlacements(query string, args ...interface{}) ([]*models.Placement, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPlacement retrieves a placement by ID.
func (s *PostgresStorage) GetPlacement(placementID string) (*models.Placement, bool) {
	row := s.db.QueryRow(`SELECT `+placementColumns+` FROM placements WHERE id = $1`, placementID)
	p, err := scanPlacement(row)
	if err != nil {
		return nil, false
	}
	return p, true
}

// UpdatePlacementStatus advances a placement; reaching verified stamps
// last-verified.
func (s *PostgresStorage) UpdatePlacementStatus(placementID string, status models.PlacementStatus) error {
	res, err := s.db.Exec(`
		UPDATE placements
		SET status = $1,
		    last_verified = CASE WHEN $1 = 'verified' THEN NOW() ELSE last_verified END,
		    updated_at = NOW()
		WHERE id = $2`, string(status), placementID)
	if err != nil {
		return err
	}
	return requireRow(res, "placement", placementID)
}

// BestSourceNode picks the highest-reputation online node holding the
// fragment.
func (s *PostgresStorage) BestSourceNode(fragmentID string) (string, bool) {
	var nodeID string
	err := s.db.QueryRow(`
		SELECT n.id
		FROM placements p
		JOIN storage_nodes n ON n.id = p.node_id
		WHERE p.fragment_id = $1
		  AND p.status IN ('stored', 'verified')
		  AND n.status = 'online'
		ORDER BY n.reputation_score DESC, n.id ASC
		LIMIT 1`, fragmentID).Scan(&nodeID)
	if err != nil {
		return "", false
	}
	return nodeID, true
}

// === Transfer Log ===

// RecordPeerConnection appends one transfer record.
func (s *PostgresStorage) RecordPeerConnection(rec *models.PeerConnection) error {
	_, err := s.db.Exec(`
		INSERT INTO peer_connections (id, source_id, target_id, transfer_type,
			bytes_sent, bytes_received, outcome, latency_ms, error_detail,
			started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SourceID, rec.TargetID, rec.TransferType,
		rec.BytesSent, rec.BytesReceived, rec.Outcome, rec.LatencyMs, rec.ErrorDetail,
		rec.StartedAt, rec.EndedAt)
	return err
}

// === Reputation Mirror ===

// SaveReputation upserts the persisted score and mirrors the composite
// onto the node row so SQL eligibility filters see it.
func (s *PostgresStorage) SaveReputation(score *models.ReputationScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO reputation_scores (node_id, uptime, response_time_ms,
			total_stored, successes, failures, score, tier, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (node_id) DO UPDATE SET
			uptime = EXCLUDED.uptime,
			response_time_ms = EXCLUDED.response_time_ms,
			total_stored = EXCLUDED.total_stored,
			successes = EXCLUDED.successes,
			failures = EXCLUDED.failures,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			updated_at = NOW()`,
		score.NodeID, score.Uptime, score.ResponseTimeMs,
		score.TotalStored, score.Successes, score.Failures, score.Score, score.Tier)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE storage_nodes
		SET reputation_score = $1, uptime_percentage = $2, avg_response_time_ms = $3,
		    updated_at = NOW()
		WHERE id = $4`,
		score.Score, score.Uptime, score.ResponseTimeMs, score.NodeID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetReputation retrieves the persisted score for a node.
func (s *PostgresStorage) GetReputation(nodeID string) (*models.ReputationScore, bool) {
	var r models.ReputationScore
	err := s.db.QueryRow(`
		SELECT node_id, uptime, response_time_ms, total_stored, successes,
			failures, score, tier, updated_at
		FROM reputation_scores WHERE node_id = $1`, nodeID).Scan(
		&r.NodeID, &r.Uptime, &r.ResponseTimeMs, &r.TotalStored, &r.Successes,
		&r.Failures, &r.Score, &r.Tier, &r.UpdatedAt)
	if err != nil {
		return nil, false
	}
	return &r, true
}

// === Stats ===

// Stats reports node and file counts for health endpoints.
func (s *PostgresStorage) Stats() (nodesOnline, nodesTotal, filesTotal int) {
	s.db.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE status = 'online'), COUNT(*)
		FROM storage_nodes`).Scan(&nodesOnline, &nodesTotal)
	s.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&filesTotal)
	return nodesOnline, nodesTotal, filesTotal
}

// Ping checks database connectivity, for health probes.
func (s *PostgresStorage) Ping() error {
	return s.db.Ping()
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, kind, id string) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
