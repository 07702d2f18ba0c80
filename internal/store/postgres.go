package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// PostgresStore implements Store against Postgres (or CockroachDB, which
// speaks the same wire protocol) via database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens and pings a connection pool against cfg.DSN.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for the migrator.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAgent(row interface{ Scan(...any) error }) (models.Agent, error) {
	var a models.Agent
	var historyJSON []byte
	var parentID, profileID sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Role, &a.Kind, &a.AutoRun, &parentID, &profileID,
		&historyJSON, &a.CreatedAt, &deletedAt, &a.LastActiveAt)
	if err != nil {
		return models.Agent{}, err
	}
	if parentID.Valid {
		a.ParentID = &parentID.String
	}
	if profileID.Valid {
		a.ModelProfileID = &profileID.String
	}
	if deletedAt.Valid {
		a.DeletedAt = &deletedAt.Time
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &a.History); err != nil {
			return models.Agent{}, fmt.Errorf("store: unmarshal history: %w", err)
		}
	}
	return a, nil
}

const agentColumns = `id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, deleted_at, last_active_at`

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE workspace_id = $1`
	args := []any{filter.WorkspaceID}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query += fmt.Sprintf(` AND kind = ANY($%d)`, len(args)+1)
		args = append(args, pq.Array(kinds))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListAgents", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListAgents", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return models.Agent{}, obs.NewError(obs.KindNotFound, "store.GetAgent", obs.ErrNotFound)
	}
	if err != nil {
		return models.Agent{}, obs.NewError(obs.KindStoreUnavailable, "store.GetAgent", err)
	}
	if a.IsDeleted() {
		return models.Agent{}, obs.NewError(obs.KindNotFound, "store.GetAgent", obs.ErrDeleted)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	historyJSON, err := json.Marshal(agent.History)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, last_active_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, agent.ID, agent.WorkspaceID, agent.Role, string(agent.Kind), agent.AutoRun,
		agent.ParentID, agent.ModelProfileID, historyJSON, agent.CreatedAt)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.CreateAgent", err)
	}
	return nil
}

func (s *PostgresStore) SetAgentHistory(ctx context.Context, id string, history []models.HistoryEntry) error {
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET history = $1, last_active_at = now() WHERE id = $2`, historyJSON, id)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetAgentHistory", err)
	}
	return requireOneRow(res, "store.SetAgentHistory")
}

func (s *PostgresStore) SetAgentAutoRun(ctx context.Context, id string, autoRun bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET auto_run = $1 WHERE id = $2`, autoRun, id)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetAgentAutoRun", err)
	}
	return requireOneRow(res, "store.SetAgentAutoRun")
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, op, err)
	}
	if n == 0 {
		return obs.NewError(obs.KindNotFound, op, obs.ErrNotFound)
	}
	return nil
}

func bulkFilterClause(filter BulkAgentFilter, argBase int) (string, []any) {
	clause := fmt.Sprintf(`workspace_id = $%d AND deleted_at IS NULL AND kind <> '%s'`, argBase, models.KindSystemHuman)
	args := []any{filter.WorkspaceID}
	next := argBase + 1
	if len(filter.IncludeKinds) > 0 {
		kinds := make([]string, len(filter.IncludeKinds))
		for i, k := range filter.IncludeKinds {
			kinds[i] = string(k)
		}
		clause += fmt.Sprintf(` AND kind = ANY($%d)`, next)
		args = append(args, pq.Array(kinds))
		next++
	}
	if len(filter.ExcludeKinds) > 0 {
		kinds := make([]string, len(filter.ExcludeKinds))
		for i, k := range filter.ExcludeKinds {
			kinds[i] = string(k)
		}
		clause += fmt.Sprintf(` AND NOT (kind = ANY($%d))`, next)
		args = append(args, pq.Array(kinds))
		next++
	}
	return clause, args
}

func (s *PostgresStore) BulkPauseAgents(ctx context.Context, filter BulkAgentFilter) (BulkResult, error) {
	clause, args := bulkFilterClause(filter, 1)
	rows, err := s.db.QueryContext(ctx, `UPDATE agents SET auto_run = false WHERE `+clause+` RETURNING id`, args...)
	if err != nil {
		return BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "store.BulkPauseAgents", err)
	}
	defer rows.Close()
	return scanIDRows(rows)
}

func (s *PostgresStore) BulkSoftDeleteAgents(ctx context.Context, filter BulkAgentFilter) (BulkResult, error) {
	clause, args := bulkFilterClause(filter, 1)
	rows, err := s.db.QueryContext(ctx, `UPDATE agents SET auto_run = false, deleted_at = now() WHERE `+clause+` RETURNING id`, args...)
	if err != nil {
		return BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "store.BulkSoftDeleteAgents", err)
	}
	defer rows.Close()
	return scanIDRows(rows)
}

func scanIDRows(rows *sql.Rows) (BulkResult, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "store.scanIDRows", err)
		}
		ids = append(ids, id)
	}
	return BulkResult{AffectedIDs: ids}, rows.Err()
}

func (s *PostgresStore) TouchAgentLastActive(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_active_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.TouchAgentLastActive", err)
	}
	return requireOneRow(res, "store.TouchAgentLastActive")
}

// ---- Unread / read cursor ----

func (s *PostgresStore) ListUnreadByGroup(ctx context.Context, agentID string) ([]UnreadBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, gm.last_read_message_id
		FROM group_members gm
		JOIN groups g ON g.id = gm.group_id
		JOIN agents a ON a.id = gm.agent_id
		WHERE gm.agent_id = $1 AND g.deleted_at IS NULL AND a.deleted_at IS NULL AND a.auto_run
	`, agentID)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListUnreadByGroup", err)
	}
	type candidate struct {
		groupID string
		cursor  sql.NullString
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.groupID, &c.cursor); err != nil {
			rows.Close()
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListUnreadByGroup", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListUnreadByGroup", err)
	}

	var out []UnreadBatch
	for _, c := range candidates {
		query := `
			SELECT id, workspace_id, group_id, sender_id, content_type, content, send_time
			FROM messages WHERE group_id = $1 AND sender_id <> $2
		`
		args := []any{c.groupID, agentID}
		if c.cursor.Valid {
			query += ` AND send_time > (SELECT send_time FROM messages WHERE id = $3)`
			args = append(args, c.cursor.String)
		}
		query += ` ORDER BY send_time`

		msgRows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListUnreadByGroup", err)
		}
		var msgs []models.Message
		for msgRows.Next() {
			var m models.Message
			if err := msgRows.Scan(&m.ID, &m.WorkspaceID, &m.GroupID, &m.SenderID, &m.ContentType, &m.Content, &m.SendTime); err != nil {
				msgRows.Close()
				return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListUnreadByGroup", err)
			}
			msgs = append(msgs, m)
		}
		msgRows.Close()
		if len(msgs) == 0 {
			continue
		}
		group, err := s.GetGroup(ctx, c.groupID)
		if err != nil {
			return nil, err
		}
		out = append(out, UnreadBatch{Group: group, Messages: msgs})
	}
	return out, nil
}

func (s *PostgresStore) MarkGroupRead(ctx context.Context, groupID, readerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET last_read_message_id = (
			SELECT id FROM messages WHERE group_id = $1 ORDER BY send_time DESC LIMIT 1
		) WHERE group_id = $1 AND agent_id = $2
	`, groupID, readerID)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.MarkGroupRead", err)
	}
	return nil
}

func (s *PostgresStore) MarkGroupReadToMessage(ctx context.Context, groupID, readerID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET last_read_message_id = $3 WHERE group_id = $1 AND agent_id = $2
	`, groupID, readerID, messageID)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.MarkGroupReadToMessage", err)
	}
	return requireOneRow(res, "store.MarkGroupReadToMessage")
}

// ---- Messages ----

func (s *PostgresStore) SendMessage(ctx context.Context, groupID, senderID, content, contentType string) (models.Message, error) {
	return sendMessageTx(ctx, s.db, groupID, senderID, content, contentType)
}

func sendMessageTx(ctx context.Context, db execer, groupID, senderID, content, contentType string) (models.Message, error) {
	if contentType == "" {
		contentType = "text"
	}
	var workspaceID string
	if err := db.QueryRowContext(ctx, `SELECT workspace_id FROM groups WHERE id = $1 AND deleted_at IS NULL`, groupID).Scan(&workspaceID); err != nil {
		if err == sql.ErrNoRows {
			return models.Message{}, obs.NewError(obs.KindNotFound, "store.SendMessage", obs.ErrNotFound)
		}
		return models.Message{}, obs.NewError(obs.KindStoreUnavailable, "store.SendMessage", err)
	}
	msg := models.Message{
		ID: uuid.NewString(), WorkspaceID: workspaceID, GroupID: groupID,
		SenderID: senderID, ContentType: contentType, Content: content, SendTime: time.Now(),
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, workspace_id, group_id, sender_id, content_type, content, send_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, msg.ID, msg.WorkspaceID, msg.GroupID, msg.SenderID, msg.ContentType, msg.Content, msg.SendTime)
	if err != nil {
		return models.Message{}, obs.NewError(obs.KindStoreUnavailable, "store.SendMessage", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetGroupMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, group_id, sender_id, content_type, content, send_time
		FROM messages WHERE group_id = $1 ORDER BY send_time
	`, groupID)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.GetGroupMessages", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.GroupID, &m.SenderID, &m.ContentType, &m.Content, &m.SendTime); err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.GetGroupMessages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SendDirectMessage(ctx context.Context, in SendDirectMessageInput) (SendDirectMessageResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SendDirectMessageResult{}, obs.NewError(obs.KindStoreUnavailable, "store.SendDirectMessage", err)
	}
	defer tx.Rollback()

	var groupID string
	channel := ChannelReuseExisting
	if in.NewThread {
		g, err := createGroupTx(ctx, tx, CreateGroupInput{WorkspaceID: in.WorkspaceID, MemberIDs: []string{in.From, in.To}, Name: in.GroupName, Kind: models.GroupChat})
		if err != nil {
			return SendDirectMessageResult{}, err
		}
		groupID, channel = g.ID, ChannelNewThread
	} else {
		found, ok, err := findLatestExactP2PGroupIDTx(ctx, tx, in.WorkspaceID, in.From, in.To, in.GroupName)
		if err != nil {
			return SendDirectMessageResult{}, err
		}
		if ok {
			groupID = found
		} else {
			g, err := createGroupTx(ctx, tx, CreateGroupInput{WorkspaceID: in.WorkspaceID, MemberIDs: []string{in.From, in.To}, Name: in.GroupName, Kind: models.GroupChat})
			if err != nil {
				return SendDirectMessageResult{}, err
			}
			groupID, channel = g.ID, ChannelNewGroup
		}
	}

	msg, err := sendMessageTx(ctx, tx, groupID, in.From, in.Content, in.ContentType)
	if err != nil {
		return SendDirectMessageResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SendDirectMessageResult{}, obs.NewError(obs.KindStoreUnavailable, "store.SendDirectMessage", err)
	}
	return SendDirectMessageResult{Channel: channel, GroupID: groupID, MessageID: msg.ID, SendTime: msg.SendTime}, nil
}

// ---- Groups ----

type p2pRow struct {
	id        string
	name      sql.NullString
	createdAt time.Time
	lastMsg   sql.NullTime
}

func findP2PCandidatesTx(ctx context.Context, q execer, workspaceID, a, b string) ([]p2pRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.name, g.created_at, (SELECT max(send_time) FROM messages WHERE group_id = g.id)
		FROM groups g
		WHERE g.workspace_id = $1 AND g.deleted_at IS NULL AND g.kind = 'chat'
		AND (SELECT count(*) FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
		     WHERE gm.group_id = g.id AND ag.deleted_at IS NULL) = 2
		AND EXISTS (SELECT 1 FROM group_members WHERE group_id = g.id AND agent_id = $2)
		AND EXISTS (SELECT 1 FROM group_members WHERE group_id = g.id AND agent_id = $3)
	`, workspaceID, a, b)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.findP2PCandidates", err)
	}
	defer rows.Close()
	var out []p2pRow
	for rows.Next() {
		var r p2pRow
		if err := rows.Scan(&r.id, &r.name, &r.createdAt, &r.lastMsg); err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.findP2PCandidates", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func rankP2PRows(rows []p2pRow, preferredName *string) {
	pref := ""
	if preferredName != nil {
		pref = *preferredName
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i], rows[j]
		iPref := ri.name.Valid && ri.name.String == pref && pref != ""
		jPref := rj.name.Valid && rj.name.String == pref && pref != ""
		if iPref != jPref {
			return iPref
		}
		if ri.name.Valid != rj.name.Valid {
			return ri.name.Valid
		}
		iLast, jLast := ri.lastMsg.Time, rj.lastMsg.Time
		if !iLast.Equal(jLast) {
			return iLast.After(jLast)
		}
		if !ri.createdAt.Equal(rj.createdAt) {
			return ri.createdAt.After(rj.createdAt)
		}
		return ri.id > rj.id
	})
}

func findLatestExactP2PGroupIDTx(ctx context.Context, q execer, workspaceID, a, b string, preferredName *string) (string, bool, error) {
	rows, err := findP2PCandidatesTx(ctx, q, workspaceID, a, b)
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	rankP2PRows(rows, preferredName)
	return rows[0].id, true, nil
}

func (s *PostgresStore) FindLatestExactP2PGroupID(ctx context.Context, workspaceID, a, b string, preferredName *string) (string, bool, error) {
	return findLatestExactP2PGroupIDTx(ctx, s.db, workspaceID, a, b, preferredName)
}

func (s *PostgresStore) MergeDuplicateExactP2PGroups(ctx context.Context, workspaceID, a, b string, preferredName *string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
	}
	defer tx.Rollback()

	rows, err := findP2PCandidatesTx(ctx, tx, workspaceID, a, b)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", obs.NewError(obs.KindNotFound, "store.MergeDuplicateExactP2PGroups", obs.ErrNotFound)
	}
	rankP2PRows(rows, preferredName)
	keep := rows[0]

	for _, loser := range rows[1:] {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET group_id = $1 WHERE group_id = $2`, keep.id, loser.id); err != nil {
			return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, loser.id); err != nil {
			return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE groups SET deleted_at = now() WHERE id = $1`, loser.id); err != nil {
			return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
		}
	}
	if preferredName != nil && *preferredName != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE groups SET name = $1 WHERE id = $2`, *preferredName, keep.id); err != nil {
			return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", obs.NewError(obs.KindStoreUnavailable, "store.MergeDuplicateExactP2PGroups", err)
	}
	return keep.id, nil
}

func (s *PostgresStore) FindLatestExactGroupID(ctx context.Context, workspaceID string, memberIDs []string) (string, bool, error) {
	ids := dedupeStrings(memberIDs)
	var groupID string
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id FROM groups g
		WHERE g.workspace_id = $1 AND g.deleted_at IS NULL
		AND (SELECT count(*) FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
		     WHERE gm.group_id = g.id AND ag.deleted_at IS NULL) = $2
		AND NOT EXISTS (
			SELECT 1 FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
			WHERE gm.group_id = g.id AND ag.deleted_at IS NULL AND NOT (gm.agent_id = ANY($3))
		)
		ORDER BY g.created_at DESC LIMIT 1
	`, workspaceID, len(ids), pq.Array(ids)).Scan(&groupID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, obs.NewError(obs.KindStoreUnavailable, "store.FindLatestExactGroupID", err)
	}
	return groupID, true, nil
}

func createGroupTx(ctx context.Context, tx *sql.Tx, in CreateGroupInput) (models.Group, error) {
	ids := dedupeStrings(in.MemberIDs)
	if len(ids) < 2 {
		return models.Group{}, obs.NewError(obs.KindInvalidArgument, "store.CreateGroup", nil)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM agents WHERE id = ANY($1)`, pq.Array(ids)).Scan(&count); err != nil {
		return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.CreateGroup", err)
	}
	if count != len(ids) {
		return models.Group{}, obs.NewError(obs.KindInvalidArgument, "store.CreateGroup", obs.ErrNotFound)
	}
	kind := in.Kind
	if kind == "" {
		kind = models.GroupChat
	}
	group := models.Group{ID: uuid.NewString(), WorkspaceID: in.WorkspaceID, Name: in.Name, Kind: kind, CreatedAt: time.Now()}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO groups (id, workspace_id, name, kind, created_at) VALUES ($1,$2,$3,$4,$5)
	`, group.ID, group.WorkspaceID, group.Name, string(group.Kind), group.CreatedAt); err != nil {
		return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.CreateGroup", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, agent_id, joined_at) VALUES ($1,$2,$3)
		`, group.ID, id, group.CreatedAt); err != nil {
			return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.CreateGroup", err)
		}
	}
	return group, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, in CreateGroupInput) (models.Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.CreateGroup", err)
	}
	defer tx.Rollback()
	group, err := createGroupTx(ctx, tx, in)
	if err != nil {
		return models.Group{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.CreateGroup", err)
	}
	return group, nil
}

func (s *PostgresStore) AddGroupMembers(ctx context.Context, groupID string, agentIDs []string) error {
	for _, id := range dedupeStrings(agentIDs) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_members (group_id, agent_id, joined_at) VALUES ($1,$2,now())
			ON CONFLICT (group_id, agent_id) DO NOTHING
		`, groupID, id)
		if err != nil {
			return obs.NewError(obs.KindStoreUnavailable, "store.AddGroupMembers", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var g models.Group
	var name sql.NullString
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, kind, context_tokens, created_at, deleted_at FROM groups WHERE id = $1
	`, id).Scan(&g.ID, &g.WorkspaceID, &name, &g.Kind, &g.ContextTokens, &g.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return models.Group{}, obs.NewError(obs.KindNotFound, "store.GetGroup", obs.ErrNotFound)
	}
	if err != nil {
		return models.Group{}, obs.NewError(obs.KindStoreUnavailable, "store.GetGroup", err)
	}
	if name.Valid {
		g.Name = &name.String
	}
	if deletedAt.Valid {
		g.DeletedAt = &deletedAt.Time
	}
	return g, nil
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, agent_id, last_read_message_id, joined_at FROM group_members WHERE group_id = $1 ORDER BY agent_id
	`, groupID)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListGroupMembers", err)
	}
	defer rows.Close()
	var out []models.GroupMember
	for rows.Next() {
		var m models.GroupMember
		var cursor sql.NullString
		if err := rows.Scan(&m.GroupID, &m.AgentID, &cursor, &m.JoinedAt); err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListGroupMembers", err)
		}
		if cursor.Valid {
			m.LastReadMsgID = cursor.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListGroups(ctx context.Context, filter GroupFilter) ([]GroupSummary, error) {
	query := `SELECT id FROM groups WHERE deleted_at IS NULL`
	args := []any{}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		query += fmt.Sprintf(` AND workspace_id = $%d`, len(args))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM group_members WHERE group_id = groups.id AND agent_id = $%d)`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListGroups", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListGroups", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []GroupSummary
	for _, id := range ids {
		group, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		members, err := s.ListGroupMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		memberIDs := make([]string, len(members))
		for i, m := range members {
			memberIDs[i] = m.AgentID
		}
		msgs, err := s.GetGroupMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		var lastMsg *models.Message
		unread := 0
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			lastMsg = &last
		}
		if filter.AgentID != "" {
			var cursor string
			for _, m := range members {
				if m.AgentID == filter.AgentID {
					cursor = m.LastReadMsgID
				}
			}
			passedCursor := cursor == ""
			for _, m := range msgs {
				if m.SenderID == filter.AgentID {
					continue
				}
				if passedCursor {
					unread++
				}
				if m.ID == cursor {
					passedCursor = true
				}
			}
		}
		updatedAt := group.CreatedAt
		if lastMsg != nil && lastMsg.SendTime.After(updatedAt) {
			updatedAt = lastMsg.SendTime
		}
		out = append(out, GroupSummary{Group: group, MemberIDs: memberIDs, UnreadCount: unread, LastMessage: lastMsg, UpdatedAt: updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *PostgresStore) SetGroupContextTokens(ctx context.Context, groupID string, tokens int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET context_tokens = $1 WHERE id = $2`, tokens, groupID)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetGroupContextTokens", err)
	}
	return requireOneRow(res, "store.SetGroupContextTokens")
}

func (s *PostgresStore) SoftDeleteOrphanGroups(ctx context.Context, workspaceID string) (BulkResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE groups SET deleted_at = now()
		WHERE workspace_id = $1 AND deleted_at IS NULL
		AND (SELECT count(*) FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
		     WHERE gm.group_id = groups.id AND ag.deleted_at IS NULL) <= 1
		RETURNING id
	`, workspaceID)
	if err != nil {
		return BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "store.SoftDeleteOrphanGroups", err)
	}
	defer rows.Close()
	return scanIDRows(rows)
}

func (s *PostgresStore) SoftDeleteRedundantSystemGroups(ctx context.Context, workspaceID string) (BulkResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE groups SET deleted_at = now()
		WHERE workspace_id = $1 AND deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
		            WHERE gm.group_id = groups.id AND ag.deleted_at IS NULL)
		AND NOT EXISTS (
			SELECT 1 FROM group_members gm JOIN agents ag ON ag.id = gm.agent_id
			WHERE gm.group_id = groups.id AND ag.deleted_at IS NULL
			AND ag.kind NOT IN ($2, $3)
		)
		RETURNING id
	`, workspaceID, string(models.KindSystemHuman), string(models.KindSystemAssistant))
	if err != nil {
		return BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "store.SoftDeleteRedundantSystemGroups", err)
	}
	defer rows.Close()
	return scanIDRows(rows)
}

// ---- Task runs and reviews ----

func marshalBudget(b models.TaskBudget) ([]byte, error) { return json.Marshal(b) }
func marshalMetrics(m models.TaskMetrics) ([]byte, error) { return json.Marshal(m) }

func (s *PostgresStore) CreateTaskRun(ctx context.Context, run models.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	budgetJSON, err := marshalBudget(run.Budget)
	if err != nil {
		return fmt.Errorf("store: marshal budget: %w", err)
	}
	metricsJSON, err := marshalMetrics(run.Metrics)
	if err != nil {
		return fmt.Errorf("store: marshal metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, workspace_id, root_group_id, owner_agent_id, goal, status, budget, metrics, start_at, deadline_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, run.ID, run.WorkspaceID, run.RootGroupID, run.OwnerAgentID, run.Goal, string(run.Status), budgetJSON, metricsJSON, run.StartAt, run.DeadlineAt)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.CreateTaskRun", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskRun(ctx context.Context, run models.TaskRun) error {
	budgetJSON, err := marshalBudget(run.Budget)
	if err != nil {
		return fmt.Errorf("store: marshal budget: %w", err)
	}
	metricsJSON, err := marshalMetrics(run.Metrics)
	if err != nil {
		return fmt.Errorf("store: marshal metrics: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status=$1, stop_reason=$2, budget=$3, metrics=$4, summary_message_id=$5, stopped_at=$6
		WHERE id=$7
	`, string(run.Status), run.StopReason, budgetJSON, metricsJSON, run.SummaryMsgID, run.StoppedAt, run.ID)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.UpdateTaskRun", err)
	}
	return requireOneRow(res, "store.UpdateTaskRun")
}

func scanTaskRun(row interface{ Scan(...any) error }) (models.TaskRun, error) {
	var r models.TaskRun
	var stopReason, summaryMsgID sql.NullString
	var stoppedAt sql.NullTime
	var budgetJSON, metricsJSON []byte
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.RootGroupID, &r.OwnerAgentID, &r.Goal, &r.Status,
		&stopReason, &budgetJSON, &metricsJSON, &summaryMsgID, &r.StartAt, &r.DeadlineAt, &stoppedAt)
	if err != nil {
		return models.TaskRun{}, err
	}
	if stopReason.Valid {
		sr := models.StopReason(stopReason.String)
		r.StopReason = &sr
	}
	if summaryMsgID.Valid {
		r.SummaryMsgID = &summaryMsgID.String
	}
	if stoppedAt.Valid {
		r.StoppedAt = &stoppedAt.Time
	}
	if err := json.Unmarshal(budgetJSON, &r.Budget); err != nil {
		return models.TaskRun{}, err
	}
	if err := json.Unmarshal(metricsJSON, &r.Metrics); err != nil {
		return models.TaskRun{}, err
	}
	return r, nil
}

const taskRunColumns = `id, workspace_id, root_group_id, owner_agent_id, goal, status, stop_reason, budget, metrics, summary_message_id, start_at, deadline_at, stopped_at`

func (s *PostgresStore) GetTaskRunByID(ctx context.Context, id string) (models.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = $1`, id)
	r, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return models.TaskRun{}, obs.NewError(obs.KindNotFound, "store.GetTaskRunByID", obs.ErrNotFound)
	}
	if err != nil {
		return models.TaskRun{}, obs.NewError(obs.KindStoreUnavailable, "store.GetTaskRunByID", err)
	}
	return r, nil
}

func (s *PostgresStore) GetLatestTaskRun(ctx context.Context, workspaceID string) (models.TaskRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskRunColumns+` FROM task_runs WHERE workspace_id = $1 ORDER BY start_at DESC LIMIT 1
	`, workspaceID)
	r, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return models.TaskRun{}, false, nil
	}
	if err != nil {
		return models.TaskRun{}, false, obs.NewError(obs.KindStoreUnavailable, "store.GetLatestTaskRun", err)
	}
	return r, true, nil
}

func (s *PostgresStore) ListRunningTaskRuns(ctx context.Context) ([]models.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE status IN ('running','stopping')`)
	if err != nil {
		return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListRunningTaskRuns", err)
	}
	defer rows.Close()
	var out []models.TaskRun
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, obs.NewError(obs.KindStoreUnavailable, "store.ListRunningTaskRuns", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTaskReview(ctx context.Context, review models.TaskReview) error {
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	scoreJSON, err := json.Marshal(review.Score)
	if err != nil {
		return fmt.Errorf("store: marshal score: %w", err)
	}
	highlights, _ := json.Marshal(review.Highlights)
	issues, _ := json.Marshal(review.Issues)
	nextActions, _ := json.Marshal(review.NextActions)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_reviews (id, task_run_id, score, verdict, highlights, issues, next_actions, narrative, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, review.ID, review.TaskRunID, scoreJSON, string(review.Verdict), highlights, issues, nextActions, review.Narrative, review.CreatedAt)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.CreateTaskReview", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskReview(ctx context.Context, taskRunID string) (models.TaskReview, bool, error) {
	var r models.TaskReview
	var scoreJSON, highlights, issues, nextActions []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_run_id, score, verdict, highlights, issues, next_actions, narrative, created_at
		FROM task_reviews WHERE task_run_id = $1
	`, taskRunID).Scan(&r.ID, &r.TaskRunID, &scoreJSON, &r.Verdict, &highlights, &issues, &nextActions, &r.Narrative, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return models.TaskReview{}, false, nil
	}
	if err != nil {
		return models.TaskReview{}, false, obs.NewError(obs.KindStoreUnavailable, "store.GetTaskReview", err)
	}
	json.Unmarshal(scoreJSON, &r.Score)
	json.Unmarshal(highlights, &r.Highlights)
	json.Unmarshal(issues, &r.Issues)
	json.Unmarshal(nextActions, &r.NextActions)
	return r, true, nil
}

// ---- Model profiles ----

func (s *PostgresStore) GetModelProfile(ctx context.Context, id string) (models.ModelProfile, bool, error) {
	return scanModelProfile(ctx, s.db, `id = $1`, id)
}

func (s *PostgresStore) GetDefaultModelProfile(ctx context.Context, workspaceID string) (models.ModelProfile, bool, error) {
	return scanModelProfile(ctx, s.db, `workspace_id = $1 AND is_default`, workspaceID)
}

func scanModelProfile(ctx context.Context, db execer, whereClause string, arg string) (models.ModelProfile, bool, error) {
	var p models.ModelProfile
	var headersJSON []byte
	err := db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, model, base_url, api_key, extra_headers, is_default
		FROM model_profiles WHERE `+whereClause, arg).Scan(
		&p.ID, &p.WorkspaceID, &p.Provider, &p.Model, &p.BaseURL, &p.APIKey, &headersJSON, &p.Default)
	if err == sql.ErrNoRows {
		return models.ModelProfile{}, false, nil
	}
	if err != nil {
		return models.ModelProfile{}, false, obs.NewError(obs.KindStoreUnavailable, "store.GetModelProfile", err)
	}
	json.Unmarshal(headersJSON, &p.ExtraHeaders)
	return p, true, nil
}

func (s *PostgresStore) SetDefaultModelProfile(ctx context.Context, workspaceID, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetDefaultModelProfile", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE model_profiles SET is_default = false WHERE workspace_id = $1`, workspaceID); err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetDefaultModelProfile", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE model_profiles SET is_default = true WHERE id = $1 AND workspace_id = $2`, profileID, workspaceID)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetDefaultModelProfile", err)
	}
	if err := requireOneRow(res, "store.SetDefaultModelProfile"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "store.SetDefaultModelProfile", err)
	}
	return nil
}

// ---- Workspace bootstrap ----

func (s *PostgresStore) EnsureWorkspaceDefaults(ctx context.Context, workspaceID string) (WorkspaceDefaults, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WorkspaceDefaults{}, obs.NewError(obs.KindStoreUnavailable, "store.EnsureWorkspaceDefaults", err)
	}
	defer tx.Rollback()

	var existing WorkspaceDefaults
	row := tx.QueryRowContext(ctx, `
		SELECT h.id, a.id, g.id FROM agents h, agents a, groups g
		WHERE h.workspace_id = $1 AND h.kind = $2
		AND a.workspace_id = $1 AND a.kind = $3
		AND g.workspace_id = $1 AND g.deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM group_members WHERE group_id = g.id AND agent_id = h.id)
		AND EXISTS (SELECT 1 FROM group_members WHERE group_id = g.id AND agent_id = a.id)
		LIMIT 1
	`, workspaceID, string(models.KindSystemHuman), string(models.KindSystemAssistant))
	err = row.Scan(&existing.HumanAgentID, &existing.AssistantAgentID, &existing.DefaultGroupID)
	if err == nil {
		existing.WorkspaceID = workspaceID
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return WorkspaceDefaults{}, obs.NewError(obs.KindStoreUnavailable, "store.EnsureWorkspaceDefaults", err)
	}

	now := time.Now()
	human := models.Agent{ID: uuid.NewString(), WorkspaceID: workspaceID, Role: "human", Kind: models.KindSystemHuman, CreatedAt: now}
	assistant := models.Agent{ID: uuid.NewString(), WorkspaceID: workspaceID, Role: "assistant", Kind: models.KindSystemAssistant, AutoRun: true, CreatedAt: now}
	for _, a := range []models.Agent{human, assistant} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, workspace_id, role, kind, auto_run, history, created_at, last_active_at)
			VALUES ($1,$2,$3,$4,$5,'[]',$6,$6)
		`, a.ID, a.WorkspaceID, a.Role, string(a.Kind), a.AutoRun, a.CreatedAt); err != nil {
			return WorkspaceDefaults{}, obs.NewError(obs.KindStoreUnavailable, "store.EnsureWorkspaceDefaults", err)
		}
	}
	group, err := createGroupTx(ctx, tx, CreateGroupInput{WorkspaceID: workspaceID, MemberIDs: []string{human.ID, assistant.ID}, Name: strPtr("general")})
	if err != nil {
		return WorkspaceDefaults{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkspaceDefaults{}, obs.NewError(obs.KindStoreUnavailable, "store.EnsureWorkspaceDefaults", err)
	}
	return WorkspaceDefaults{WorkspaceID: workspaceID, HumanAgentID: human.ID, AssistantAgentID: assistant.ID, DefaultGroupID: group.ID}, nil
}

func strPtr(s string) *string { return &s }
