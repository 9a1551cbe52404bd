package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

const (
	tCharacters = "characters"
	tTasks      = "tasks"
	tHistory    = "post_history"
	tMessages   = "conversation_messages"
	tReplies    = "chat_replies"
)

// SQLStorage implements Storage on top of any database/sql driver that
// understands the portable schema in migrations.sql.
type SQLStorage struct {
	db             *sqlx.DB
	sb             sqrl.StatementBuilderType
	requestTimeout time.Duration
	logger         *zap.Logger
}

var _ Storage = (*SQLStorage)(nil)

func newSQLStorage(db *sqlx.DB, placeholders sqrl.PlaceholderFormat, requestTimeout time.Duration, logger *zap.Logger) (*SQLStorage, error) {
	s := &SQLStorage{
		db:             db,
		sb:             sqrl.StatementBuilder.PlaceholderFormat(placeholders),
		requestTimeout: requestTimeout,
		logger:         logger,
	}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	for _, stmt := range strings.Split(string(migrationSQL), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("error executing migration: %w", err)
		}
	}
	return nil
}

func (s *SQLStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(ctx, s.requestTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *SQLStorage) exec(ctx context.Context, q sqrl.Sqlizer) (sql.Result, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.ExecContext(ctx, query, args...)
}

func (s *SQLStorage) selectRows(ctx context.Context, dest interface{}, q sqrl.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.SelectContext(ctx, dest, query, args...)
}

func (s *SQLStorage) getRow(ctx context.Context, dest interface{}, q sqrl.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.GetContext(ctx, dest, query, args...)
}

// Rows

type characterRow struct {
	ID        string `db:"id"`
	Status    string `db:"status"`
	Data      string `db:"data"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r characterRow) toModel() (*models.Character, error) {
	var c models.Character
	if err := json.Unmarshal([]byte(r.Data), &c); err != nil {
		return nil, fmt.Errorf("error decoding character %s: %w", r.ID, err)
	}
	c.ID = r.ID
	c.Status = models.CharacterStatus(r.Status)
	c.CreatedAt = fromUnix(r.CreatedAt)
	c.UpdatedAt = fromUnix(r.UpdatedAt)
	return &c, nil
}

type taskRow struct {
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	CharacterID string `db:"character_id"`
	ScheduledAt int64  `db:"scheduled_at"`
	Status      string `db:"status"`
	Payload     string `db:"payload"`
	Result      string `db:"result"`
	Error       string `db:"error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r taskRow) toModel() (*models.Task, error) {
	payload, err := models.DecodePayload(models.TaskKind(r.Kind), []byte(r.Payload))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", r.ID, err)
	}
	t := &models.Task{
		ID:          r.ID,
		CharacterID: r.CharacterID,
		ScheduledAt: fromUnix(r.ScheduledAt),
		Status:      models.TaskStatus(r.Status),
		Payload:     payload,
		Error:       r.Error,
		CreatedAt:   fromUnix(r.CreatedAt),
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}
	if r.Result != "" {
		var result models.TaskResult
		if err := json.Unmarshal([]byte(r.Result), &result); err != nil {
			return nil, fmt.Errorf("task %s: error decoding result: %w", r.ID, err)
		}
		t.Result = &result
	}
	return t, nil
}

type historyRow struct {
	ID             string `db:"id"`
	CharacterID    string `db:"character_id"`
	PostID         string `db:"post_id"`
	Title          string `db:"title"`
	ContentSummary string `db:"content_summary"`
	Keywords       string `db:"keywords"`
	Category       string `db:"category"`
	Tags           string `db:"tags"`
	CreatedAt      int64  `db:"created_at"`
}

func (r historyRow) toModel() (*models.PostHistoryRecord, error) {
	rec := &models.PostHistoryRecord{
		ID:             r.ID,
		CharacterID:    r.CharacterID,
		PostID:         r.PostID,
		Title:          r.Title,
		ContentSummary: r.ContentSummary,
		Category:       r.Category,
		CreatedAt:      fromUnix(r.CreatedAt),
	}
	if err := json.Unmarshal([]byte(r.Keywords), &rec.Keywords); err != nil {
		return nil, fmt.Errorf("history %s: error decoding keywords: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("history %s: error decoding tags: %w", r.ID, err)
	}
	return rec, nil
}

type messageRow struct {
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
	CharacterID    string `db:"character_id"`
	Role           string `db:"role"`
	Author         string `db:"author"`
	Text           string `db:"text"`
	CreatedAt      int64  `db:"created_at"`
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Character methods

func (s *SQLStorage) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	var row characterRow
	err := s.getRow(ctx, &row, s.sb.Select("*").From(tCharacters).Where(sqrl.Eq{"id": id}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying character: %w", err)
	}
	return row.toModel()
}

func (s *SQLStorage) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	return s.listCharacters(ctx, nil)
}

func (s *SQLStorage) ListActiveCharacters(ctx context.Context) ([]*models.Character, error) {
	return s.listCharacters(ctx, sqrl.Eq{"status": string(models.StatusActive)})
}

func (s *SQLStorage) listCharacters(ctx context.Context, where sqrl.Sqlizer) ([]*models.Character, error) {
	q := s.sb.Select("*").From(tCharacters).OrderBy("id")
	if where != nil {
		q = q.Where(where)
	}
	var rows []characterRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("error querying characters: %w", err)
	}
	result := make([]*models.Character, 0, len(rows))
	for _, row := range rows {
		c, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *SQLStorage) SaveCharacter(ctx context.Context, c *models.Character) error {
	now := time.Now()
	createdAt := now
	if existing, err := s.GetCharacter(ctx, c.ID); err == nil {
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding character: %w", err)
	}
	q := s.sb.Insert(tCharacters).
		Columns("id", "status", "data", "created_at", "updated_at").
		Values(c.ID, string(c.Status), string(data), toUnix(createdAt), toUnix(now)).
		Suffix("ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at")
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("error saving character: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt, now
	return nil
}

// Task methods

func (s *SQLStorage) CreateTask(ctx context.Context, task *models.Task) error {
	payload, err := models.EncodePayload(task.Payload)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	q := s.sb.Insert(tTasks).
		Columns("id", "kind", "character_id", "scheduled_at", "status", "payload", "result", "error", "created_at", "updated_at").
		Values(task.ID, string(task.Kind()), task.CharacterID, toUnix(task.ScheduledAt), string(task.Status),
			string(payload), "", task.Error, toUnix(task.CreatedAt), toUnix(task.UpdatedAt))
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("error creating task: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := s.getRow(ctx, &row, s.sb.Select("*").From(tTasks).Where(sqrl.Eq{"id": id}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying task: %w", err)
	}
	return row.toModel()
}

func (s *SQLStorage) GetDueTasks(ctx context.Context, kind models.TaskKind, now time.Time, limit int) ([]*models.Task, error) {
	q := s.sb.Select("*").From(tTasks).
		Where(sqrl.Eq{"kind": string(kind), "status": string(models.TaskPending)}).
		Where(sqrl.LtOrEq{"scheduled_at": toUnix(now)}).
		OrderBy("scheduled_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	var rows []taskRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("error querying due tasks: %w", err)
	}
	tasks := make([]*models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			s.logger.Error("Skipping undecodable task", zap.Error(err), zap.String("task_id", row.ID))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SQLStorage) ClaimTask(ctx context.Context, id string) (bool, error) {
	q := s.sb.Update(tTasks).
		Set("status", string(models.TaskProcessing)).
		Set("updated_at", toUnix(time.Now())).
		Where(sqrl.Eq{"id": id, "status": string(models.TaskPending)})
	result, err := s.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("error claiming task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStorage) CompleteTask(ctx context.Context, id string, result models.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error encoding task result: %w", err)
	}
	return s.finishTask(ctx, id, sqrl.Eq{"status": string(models.TaskCompleted), "result": string(data)})
}

func (s *SQLStorage) FailTask(ctx context.Context, id string, reason string) error {
	return s.finishTask(ctx, id, sqrl.Eq{"status": string(models.TaskFailed), "error": reason})
}

func (s *SQLStorage) finishTask(ctx context.Context, id string, set map[string]interface{}) error {
	q := s.sb.Update(tTasks).SetMap(set).Set("updated_at", toUnix(time.Now())).Where(sqrl.Eq{"id": id})
	result, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("error updating task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStorage) HasOpenTask(ctx context.Context, characterID string, kind models.TaskKind) (bool, error) {
	var count int
	q := s.sb.Select("COUNT(*)").From(tTasks).Where(sqrl.Eq{
		"character_id": characterID,
		"kind":         string(kind),
		"status":       []string{string(models.TaskPending), string(models.TaskProcessing)},
	})
	if err := s.getRow(ctx, &count, q); err != nil {
		return false, fmt.Errorf("error counting open tasks: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStorage) ExpireClaims(ctx context.Context, kind models.TaskKind, cutoff time.Time) (int, error) {
	q := s.sb.Update(tTasks).
		Set("status", string(models.TaskFailed)).
		Set("error", ErrClaimExpired.Error()).
		Set("updated_at", toUnix(time.Now())).
		Where(sqrl.Eq{"kind": string(kind), "status": string(models.TaskProcessing)}).
		Where(sqrl.Lt{"updated_at": toUnix(cutoff)})
	result, err := s.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("error expiring claims: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}
	return int(n), nil
}

// History methods

func (s *SQLStorage) AppendHistory(ctx context.Context, record *models.PostHistoryRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	q := s.sb.Insert(tHistory).
		Columns("id", "character_id", "post_id", "title", "content_summary", "keywords", "category", "tags", "created_at").
		Values(record.ID, record.CharacterID, record.PostID, record.Title, record.ContentSummary,
			marshalStrings(record.Keywords), record.Category, marshalStrings(record.Tags), toUnix(record.CreatedAt))
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("error appending history: %w", err)
	}
	return nil
}

func (s *SQLStorage) RecentHistory(ctx context.Context, characterID string, limit int) ([]*models.PostHistoryRecord, error) {
	q := s.sb.Select("*").From(tHistory).
		Where(sqrl.Eq{"character_id": characterID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	var rows []historyRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	records := make([]*models.PostHistoryRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLStorage) PruneHistory(ctx context.Context, characterID string, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	var ids []string
	q := s.sb.Select("id").From(tHistory).
		Where(sqrl.Eq{"character_id": characterID}).
		OrderBy("created_at DESC")
	if err := s.selectRows(ctx, &ids, q); err != nil {
		return 0, fmt.Errorf("error querying history ids: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}
	stale := ids[keep:]
	if _, err := s.exec(ctx, s.sb.Delete(tHistory).Where(sqrl.Eq{"id": stale})); err != nil {
		return 0, fmt.Errorf("error pruning history: %w", err)
	}
	return len(stale), nil
}

func (s *SQLStorage) CountToday(ctx context.Context, characterID string, kind models.TaskKind, dayStart time.Time) (int, error) {
	var table string
	switch kind {
	case models.TaskKindPosting:
		table = tHistory
	case models.TaskKindChat:
		table = tReplies
	default:
		return 0, fmt.Errorf("count today: unknown kind %q", kind)
	}
	var count int
	q := s.sb.Select("COUNT(*)").From(table).
		Where(sqrl.Eq{"character_id": characterID}).
		Where(sqrl.GtOrEq{"created_at": toUnix(dayStart)}).
		Where(sqrl.Lt{"created_at": toUnix(dayStart.Add(24 * time.Hour))})
	if err := s.getRow(ctx, &count, q); err != nil {
		return 0, fmt.Errorf("error counting %s records: %w", kind, err)
	}
	return count, nil
}

// Conversation methods

func (s *SQLStorage) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	q := s.sb.Insert(tMessages).
		Columns("conversation_id", "message_id", "character_id", "role", "author", "text", "created_at").
		Values(msg.ConversationID, msg.MessageID, msg.CharacterID, string(msg.Role), msg.Author, msg.Text, toUnix(msg.CreatedAt))
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("error appending message: %w", err)
	}
	return nil
}

func (s *SQLStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error) {
	q := s.sb.Select("*").From(tMessages).
		Where(sqrl.Eq{"conversation_id": conversationID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	var rows []messageRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	result := make([]*models.ConversationMessage, len(rows))
	for i, row := range rows {
		result[len(rows)-1-i] = &models.ConversationMessage{
			ConversationID: row.ConversationID,
			MessageID:      row.MessageID,
			CharacterID:    row.CharacterID,
			Role:           models.MessageRole(row.Role),
			Author:         row.Author,
			Text:           row.Text,
			CreatedAt:      fromUnix(row.CreatedAt),
		}
	}
	return result, nil
}

func (s *SQLStorage) AppendChatReply(ctx context.Context, record *models.ChatReplyRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	filler := 0
	if record.Filler {
		filler = 1
	}
	q := s.sb.Insert(tReplies).
		Columns("id", "character_id", "conversation_id", "message_id", "task_id", "filler", "created_at").
		Values(record.ID, record.CharacterID, record.ConversationID, record.MessageID, record.TaskID, filler, toUnix(record.CreatedAt))
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("error appending chat reply: %w", err)
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
