// Package sqlstore is the SQL-backed Store. It runs on SQLite for
// single-node deployments and PostgreSQL for shared ones; ready-to-run
// discovery is poll-based, locking is lease-based with a token column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/db"
	"github.com/durahub/durahub/internal/db/dialect"
	"github.com/durahub/durahub/internal/orchestration"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

const (
	lockTimeout  = 2 * time.Minute
	pollInterval = 200 * time.Millisecond
)

// SQLStore implements store.Store on top of a db.Pool.
type SQLStore struct {
	pool      *db.Pool
	log       *logger.Logger
	done      chan struct{}
	closeOnce sync.Once

	delivererMu sync.RWMutex
	deliverer   store.Deliverer
}

// NewSQLStore applies the schema and returns a ready store.
func NewSQLStore(ctx context.Context, pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	if err := migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &SQLStore{
		pool: pool,
		log:  log.WithFields(zap.String("component", "sqlstore")),
		done: make(chan struct{}),
	}, nil
}

// SetDeliverer implements store.DelivererSetter.
func (s *SQLStore) SetDeliverer(d store.Deliverer) {
	s.delivererMu.Lock()
	defer s.delivererMu.Unlock()
	s.deliverer = d
}

// pendingDelivery is a message enqueued for a currently locked instance;
// it is handed to the deliverer only after the enclosing transaction
// commits, so a rolled-back insert never reaches a live session.
type pendingDelivery struct {
	instanceID string
	msg        *v1.TaskMessage
	receipt    string
}

func (s *SQLStore) deliver(deliveries []pendingDelivery) {
	if len(deliveries) == 0 {
		return
	}
	s.delivererMu.RLock()
	d := s.deliverer
	s.delivererMu.RUnlock()
	if d == nil {
		return
	}
	for _, pd := range deliveries {
		d.Deliver(pd.instanceID, &v1.WorkMessage{
			DispatchID: pd.instanceID,
			Message:    pd.msg,
			PopReceipt: pd.receipt,
		})
	}
}

func nowMs() int64 { return time.Now().UTC().UnixMilli() }

func toMs(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type instanceRow struct {
	InstanceID     string         `db:"instance_id"`
	ExecutionID    string         `db:"execution_id"`
	Name           string         `db:"name"`
	Version        string         `db:"version"`
	Status         string         `db:"status"`
	CreatedAt      int64          `db:"created_at"`
	LastUpdatedAt  int64          `db:"last_updated_at"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	Input          string         `db:"input"`
	Output         string         `db:"output"`
	CustomStatus   string         `db:"custom_status"`
	FailureJSON    sql.NullString `db:"failure_json"`
	TagsJSON       sql.NullString `db:"tags_json"`
	ParentInstance string         `db:"parent_instance"`
	LockToken      string         `db:"lock_token"`
	LockedUntil    int64          `db:"locked_until"`
}

func (r *instanceRow) metadata() (*v1.OrchestrationMetadata, error) {
	md := &v1.OrchestrationMetadata{
		Instance:       v1.OrchestrationInstance{InstanceID: r.InstanceID, ExecutionID: r.ExecutionID},
		Name:           r.Name,
		Version:        r.Version,
		Status:         v1.OrchestrationStatus(r.Status),
		CreatedAt:      fromMs(r.CreatedAt),
		LastUpdatedAt:  fromMs(r.LastUpdatedAt),
		Input:          r.Input,
		Output:         r.Output,
		CustomStatus:   r.CustomStatus,
		ParentInstance: r.ParentInstance,
	}
	if r.CompletedAt.Valid {
		t := fromMs(r.CompletedAt.Int64)
		md.CompletedAt = &t
	}
	if r.FailureJSON.Valid && r.FailureJSON.String != "" {
		var failure v1.TaskFailure
		if err := json.Unmarshal([]byte(r.FailureJSON.String), &failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		md.Failure = &failure
	}
	if r.TagsJSON.Valid && r.TagsJSON.String != "" {
		if err := json.Unmarshal([]byte(r.TagsJSON.String), &md.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return md, nil
}

// CreateInstance implements store.Store.
func (s *SQLStore) CreateInstance(ctx context.Context, msg *v1.TaskMessage, dedupeStatuses []v1.OrchestrationStatus) error {
	if msg == nil || msg.Event == nil || msg.Event.ExecutionStarted == nil {
		return fmt.Errorf("%w: create requires an ExecutionStarted message", v1.ErrInvalidArgument)
	}
	if msg.Instance.InstanceID == "" {
		return fmt.Errorf("%w: missing instance ID", v1.ErrInvalidArgument)
	}
	if len(dedupeStatuses) == 0 {
		dedupeStatuses = store.DefaultDedupeStatuses
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing instanceRow
	err = tx.GetContext(ctx, &existing,
		w.Rebind(`SELECT * FROM instances WHERE instance_id = ?`), msg.Instance.InstanceID)
	switch {
	case err == nil:
		for _, status := range dedupeStatuses {
			if existing.Status == string(status) {
				return fmt.Errorf("%w: %s", v1.ErrDuplicateInstance, msg.Instance.InstanceID)
			}
		}
		if err := s.deleteInstanceTx(ctx, tx, msg.Instance.InstanceID); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		// Fresh instance.
	default:
		return err
	}

	if err := s.insertInstanceTx(ctx, tx, msg); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insertInstanceTx(ctx context.Context, tx *sqlx.Tx, msg *v1.TaskMessage) error {
	started := msg.Event.ExecutionStarted
	now := nowMs()
	tagsJSON := ""
	if len(started.Tags) > 0 {
		b, err := json.Marshal(started.Tags)
		if err != nil {
			return err
		}
		tagsJSON = string(b)
	}
	parentInstance := ""
	if started.Parent != nil {
		parentInstance = started.Parent.Instance.InstanceID
	}
	w := s.pool.Writer()
	_, err := tx.ExecContext(ctx, w.Rebind(`
		INSERT INTO instances (instance_id, execution_id, name, version, status,
			created_at, last_updated_at, input, tags_json, parent_instance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.Instance.InstanceID, msg.Instance.ExecutionID, started.Name, started.Version,
		string(v1.StatusPending), now, now, started.Input, tagsJSON, parentInstance)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	_, err = s.enqueueTx(ctx, tx, msg, visibleAtOf(msg, nil))
	return err
}

func visibleAtOf(msg *v1.TaskMessage, explicit *time.Time) int64 {
	if explicit != nil {
		return toMs(*explicit)
	}
	e := msg.Event
	switch {
	case e.ExecutionStarted != nil && e.ExecutionStarted.ScheduledStartTime != nil:
		return toMs(*e.ExecutionStarted.ScheduledStartTime)
	case e.TimerFired != nil:
		return toMs(e.TimerFired.FireAt)
	}
	return 0
}

func (s *SQLStore) enqueueTx(ctx context.Context, tx *sqlx.Tx, msg *v1.TaskMessage, visibleAt int64) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	id, err := dialect.InsertReturningIDTx(ctx, tx, s.pool.Writer().DriverName(), `
		INSERT INTO inbox (instance_id, visible_at, message_json) VALUES (?, ?, ?)`,
		msg.Instance.InstanceID, visibleAt, string(payload))
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	return id, nil
}

// AppendMessage implements store.Store.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *v1.TaskMessage, visibleAt *time.Time) error {
	if msg == nil || msg.Event == nil {
		return fmt.Errorf("%w: nil message", v1.ErrInvalidArgument)
	}
	if msg.Instance.InstanceID == "" {
		return fmt.Errorf("%w: missing instance ID", v1.ErrInvalidArgument)
	}
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	delivery, err := s.appendMessageTx(ctx, tx, msg, visibleAt)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.deliver(delivery)
	return nil
}

// appendMessageTx enqueues one message. When the target instance holds a
// live lock, the returned delivery carries the message to its session
// after the caller commits.
func (s *SQLStore) appendMessageTx(ctx context.Context, tx *sqlx.Tx, msg *v1.TaskMessage, visibleAt *time.Time) ([]pendingDelivery, error) {
	w := s.pool.Writer()
	var row struct {
		Status      string `db:"status"`
		LockToken   string `db:"lock_token"`
		LockedUntil int64  `db:"locked_until"`
	}
	err := tx.GetContext(ctx, &row,
		w.Rebind(`SELECT status, lock_token, locked_until FROM instances WHERE instance_id = ?`),
		msg.Instance.InstanceID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if msg.Event.Kind == v1.EventExecutionStarted {
			return nil, s.insertInstanceTx(ctx, tx, msg)
		}
		s.log.Warn("Dropping message for unknown instance",
			zap.String("instance_id", msg.Instance.InstanceID),
			zap.String("kind", string(msg.Event.Kind)))
		return nil, nil
	case err != nil:
		return nil, err
	}
	if v1.OrchestrationStatus(row.Status).IsTerminal() {
		if msg.Event.Kind == v1.EventExecutionStarted {
			if err := s.deleteInstanceTx(ctx, tx, msg.Instance.InstanceID); err != nil {
				return nil, err
			}
			return nil, s.insertInstanceTx(ctx, tx, msg)
		}
		s.log.Warn("Dropping message for terminal instance",
			zap.String("instance_id", msg.Instance.InstanceID),
			zap.String("kind", string(msg.Event.Kind)))
		return nil, nil
	}

	now := nowMs()
	visible := visibleAtOf(msg, visibleAt)
	id, err := s.enqueueTx(ctx, tx, msg, visible)
	if err != nil {
		return nil, err
	}
	if row.LockToken != "" && row.LockedUntil > now && visible <= now {
		return []pendingDelivery{{
			instanceID: msg.Instance.InstanceID,
			msg:        msg,
			receipt:    strconv.FormatInt(id, 10),
		}}, nil
	}
	return nil, nil
}

func (s *SQLStore) deleteInstanceTx(ctx context.Context, tx *sqlx.Tx, instanceID string) error {
	w := s.pool.Writer()
	for _, q := range []string{
		`DELETE FROM instances WHERE instance_id = ?`,
		`DELETE FROM history WHERE instance_id = ?`,
		`DELETE FROM inbox WHERE instance_id = ?`,
		`DELETE FROM activities WHERE instance_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, w.Rebind(q), instanceID); err != nil {
			return err
		}
	}
	return nil
}

// LockNextOrchestration implements store.Store.
func (s *SQLStore) LockNextOrchestration(ctx context.Context) (*store.OrchestrationWorkItem, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		wi, err := s.tryLockOrchestration(ctx)
		if err != nil {
			return nil, err
		}
		if wi != nil {
			return wi, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, store.ErrClosed
		case <-ticker.C:
		}
	}
}

func (s *SQLStore) tryLockOrchestration(ctx context.Context) (*store.OrchestrationWorkItem, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMs()
	var row instanceRow
	err = tx.GetContext(ctx, &row, w.Rebind(`
		SELECT i.* FROM instances i
		WHERE (i.lock_token = '' OR i.locked_until < ?)
		  AND i.status NOT IN (?, ?, ?, ?)
		  AND EXISTS (SELECT 1 FROM inbox b WHERE b.instance_id = i.instance_id AND b.visible_at <= ?)
		LIMIT 1`),
		now,
		string(v1.StatusCompleted), string(v1.StatusFailed),
		string(v1.StatusTerminated), string(v1.StatusCanceled),
		now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	lockedUntil := now + lockTimeout.Milliseconds()
	_, err = tx.ExecContext(ctx, w.Rebind(`
		UPDATE instances SET lock_token = ?, locked_until = ? WHERE instance_id = ?`),
		token, lockedUntil, row.InstanceID)
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistoryTx(ctx, tx, row.InstanceID)
	if err != nil {
		return nil, err
	}

	type inboxRow struct {
		ID          int64  `db:"id"`
		MessageJSON string `db:"message_json"`
	}
	var inbox []inboxRow
	err = tx.SelectContext(ctx, &inbox, w.Rebind(`
		SELECT id, message_json FROM inbox
		WHERE instance_id = ? AND visible_at <= ? ORDER BY id`),
		row.InstanceID, now)
	if err != nil {
		return nil, err
	}

	state := orchestration.NewRuntimeState(row.InstanceID, history)
	msgs := make([]*v1.TaskMessage, 0, len(inbox))
	byMsg := make(map[*v1.TaskMessage]int64, len(inbox))
	for _, ir := range inbox {
		var msg v1.TaskMessage
		if err := json.Unmarshal([]byte(ir.MessageJSON), &msg); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		m := &msg
		msgs = append(msgs, m)
		byMsg[m] = ir.ID
	}
	kept := orchestration.FilterAndSortMessages(state, msgs)
	if len(kept) == 0 {
		// Only stale messages; drop them and release the lock.
		_, err = tx.ExecContext(ctx, w.Rebind(`
			DELETE FROM inbox WHERE instance_id = ? AND visible_at <= ?`), row.InstanceID, now)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, w.Rebind(`
			UPDATE instances SET lock_token = '', locked_until = 0 WHERE instance_id = ?`), row.InstanceID)
		if err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}

	receipts := make([]string, 0, len(kept))
	for _, m := range kept {
		receipts = append(receipts, strconv.FormatInt(byMsg[m], 10))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.OrchestrationWorkItem{
		InstanceID:  row.InstanceID,
		LockToken:   token,
		LockedUntil: fromMs(lockedUntil),
		State:       state,
		NewMessages: kept,
		Receipts:    receipts,
	}, nil
}

func (s *SQLStore) loadHistoryTx(ctx context.Context, tx *sqlx.Tx, instanceID string) ([]*v1.HistoryEvent, error) {
	var rows []string
	err := tx.SelectContext(ctx, &rows, s.pool.Writer().Rebind(`
		SELECT event_json FROM history WHERE instance_id = ? ORDER BY sequence`), instanceID)
	if err != nil {
		return nil, err
	}
	events := make([]*v1.HistoryEvent, 0, len(rows))
	for _, raw := range rows {
		var e v1.HistoryEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// LockNextActivities implements store.Store.
func (s *SQLStore) LockNextActivities(ctx context.Context, max int) ([]*store.ActivityWorkItem, error) {
	if max <= 0 {
		max = 1
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		items, err := s.tryLockActivities(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, store.ErrClosed
		case <-ticker.C:
		}
	}
}

func (s *SQLStore) tryLockActivities(ctx context.Context, max int) ([]*store.ActivityWorkItem, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMs()
	type actRow struct {
		ID          int64  `db:"id"`
		InstanceID  string `db:"instance_id"`
		ExecutionID string `db:"execution_id"`
		EventJSON   string `db:"event_json"`
	}
	var rows []actRow
	err = tx.SelectContext(ctx, &rows, w.Rebind(`
		SELECT id, instance_id, execution_id, event_json FROM activities
		WHERE visible_at <= ? AND (lock_token = '' OR locked_until < ?)
		ORDER BY id LIMIT ?`), now, now, max)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	items := make([]*store.ActivityWorkItem, 0, len(rows))
	for _, row := range rows {
		token := uuid.NewString()
		_, err = tx.ExecContext(ctx, w.Rebind(`
			UPDATE activities SET lock_token = ?, locked_until = ? WHERE id = ?`),
			token, now+lockTimeout.Milliseconds(), row.ID)
		if err != nil {
			return nil, err
		}
		var event v1.HistoryEvent
		if err := json.Unmarshal([]byte(row.EventJSON), &event); err != nil {
			return nil, fmt.Errorf("decode activity event: %w", err)
		}
		items = append(items, &store.ActivityWorkItem{
			SequenceNumber: row.ID,
			InstanceID:     row.InstanceID,
			ExecutionID:    row.ExecutionID,
			LockToken:      token,
			Event:          &event,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// RenewOrchestrationLock implements store.Store.
func (s *SQLStore) RenewOrchestrationLock(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	w := s.pool.Writer()
	lockedUntil := nowMs() + lockTimeout.Milliseconds()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE instances SET locked_until = ? WHERE instance_id = ? AND lock_token = ?`),
		lockedUntil, wi.InstanceID, wi.LockToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrLockLost
	}
	wi.LockedUntil = fromMs(lockedUntil)
	return nil
}

// ReleaseOrchestrationLock implements store.Store.
func (s *SQLStore) ReleaseOrchestrationLock(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE instances SET lock_token = '', locked_until = 0
		WHERE instance_id = ? AND lock_token = ?`),
		wi.InstanceID, wi.LockToken)
	return err
}

// CompleteOrchestration implements store.Store.
func (s *SQLStore) CompleteOrchestration(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var held string
	err = tx.GetContext(ctx, &held,
		w.Rebind(`SELECT lock_token FROM instances WHERE instance_id = ?`), wi.InstanceID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && held != wi.LockToken) {
		return store.ErrLockLost
	}
	if err != nil {
		return err
	}

	// Delete the consumed messages.
	for _, receipt := range wi.Receipts {
		id, err := strconv.ParseInt(receipt, 10, 64)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM inbox WHERE id = ?`), id); err != nil {
			return err
		}
	}

	state := wi.State
	startSeq := int64(0)
	if state.ContinuedAsNew() {
		if _, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM history WHERE instance_id = ?`), wi.InstanceID); err != nil {
			return err
		}
	} else {
		var maxSeq sql.NullInt64
		err = tx.GetContext(ctx, &maxSeq,
			w.Rebind(`SELECT MAX(sequence) FROM history WHERE instance_id = ?`), wi.InstanceID)
		if err != nil {
			return err
		}
		if maxSeq.Valid {
			startSeq = maxSeq.Int64 + 1
		}
	}
	for i, e := range state.NewEvents() {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, w.Rebind(`
			INSERT INTO history (instance_id, sequence, event_json) VALUES (?, ?, ?)`),
			wi.InstanceID, startSeq+int64(i), string(payload))
		if err != nil {
			return err
		}
	}

	if err := s.updateStatusRowTx(ctx, tx, wi); err != nil {
		return err
	}

	execID := state.Instance().ExecutionID
	for _, task := range state.PendingTasks() {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, w.Rebind(`
			INSERT INTO activities (instance_id, execution_id, event_json) VALUES (?, ?, ?)`),
			wi.InstanceID, execID, string(payload))
		if err != nil {
			return err
		}
	}
	for _, timer := range state.PendingTimers() {
		msg := &v1.TaskMessage{
			Instance: v1.OrchestrationInstance{InstanceID: wi.InstanceID, ExecutionID: execID},
			Event:    timer,
		}
		if _, err := s.enqueueTx(ctx, tx, msg, visibleAtOf(msg, nil)); err != nil {
			return err
		}
	}
	// Outbound messages may target an instance whose turn is in flight.
	var deliveries []pendingDelivery
	for _, out := range state.PendingMessages() {
		msg := &v1.TaskMessage{
			Instance: v1.OrchestrationInstance{InstanceID: out.TargetInstanceID},
			Event:    out.Event,
		}
		delivery, err := s.appendMessageTx(ctx, tx, msg, nil)
		if err != nil {
			return err
		}
		deliveries = append(deliveries, delivery...)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.deliver(deliveries)
	return nil
}

func (s *SQLStore) updateStatusRowTx(ctx context.Context, tx *sqlx.Tx, wi *store.OrchestrationWorkItem) error {
	w := s.pool.Writer()
	md := wi.State.Metadata()

	failureJSON := ""
	if md.Failure != nil {
		b, err := json.Marshal(md.Failure)
		if err != nil {
			return err
		}
		failureJSON = string(b)
	}
	var completedAt any
	if md.CompletedAt != nil {
		completedAt = toMs(*md.CompletedAt)
	}
	createdAt := toMs(md.CreatedAt)
	if !wi.State.ContinuedAsNew() {
		// Keep the original creation time across turns.
		var orig int64
		if err := tx.GetContext(ctx, &orig,
			w.Rebind(`SELECT created_at FROM instances WHERE instance_id = ?`), wi.InstanceID); err == nil && orig > 0 {
			createdAt = orig
		}
	}
	_, err := tx.ExecContext(ctx, w.Rebind(`
		UPDATE instances SET
			execution_id = ?, name = ?, version = ?, status = ?,
			created_at = ?, last_updated_at = ?, completed_at = ?,
			input = ?, output = ?, custom_status = ?, failure_json = ?,
			lock_token = '', locked_until = 0
		WHERE instance_id = ?`),
		md.Instance.ExecutionID, md.Name, md.Version, string(md.Status),
		createdAt, nowMs(), completedAt,
		md.Input, md.Output, md.CustomStatus, failureJSON,
		wi.InstanceID)
	return err
}

// AbandonOrchestration implements store.Store.
func (s *SQLStore) AbandonOrchestration(ctx context.Context, wi *store.OrchestrationWorkItem, delay time.Duration) error {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if delay > 0 {
		redeliverAt := nowMs() + delay.Milliseconds()
		for _, receipt := range wi.Receipts {
			id, err := strconv.ParseInt(receipt, 10, 64)
			if err != nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, w.Rebind(`
				UPDATE inbox SET visible_at = ? WHERE id = ?`), redeliverAt, id); err != nil {
				return err
			}
		}
	}
	_, err = tx.ExecContext(ctx, w.Rebind(`
		UPDATE instances SET lock_token = '', locked_until = 0
		WHERE instance_id = ? AND lock_token = ?`),
		wi.InstanceID, wi.LockToken)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteActivity implements store.Store.
func (s *SQLStore) CompleteActivity(ctx context.Context, wi *store.ActivityWorkItem, response *v1.TaskMessage) error {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, w.Rebind(`
		DELETE FROM activities WHERE id = ? AND lock_token = ?`),
		wi.SequenceNumber, wi.LockToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrLockLost
	}
	delivery, err := s.appendMessageTx(ctx, tx, response, nil)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.deliver(delivery)
	return nil
}

// AbandonActivity implements store.Store.
func (s *SQLStore) AbandonActivity(ctx context.Context, wi *store.ActivityWorkItem, delay time.Duration) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE activities SET lock_token = '', locked_until = 0, visible_at = ?
		WHERE id = ? AND lock_token = ?`),
		nowMs()+delay.Milliseconds(), wi.SequenceNumber, wi.LockToken)
	return err
}

// GetMetadata implements store.Store.
func (s *SQLStore) GetMetadata(ctx context.Context, instanceID string) (*v1.OrchestrationMetadata, error) {
	r := s.pool.Reader()
	var row instanceRow
	err := r.GetContext(ctx, &row,
		r.Rebind(`SELECT * FROM instances WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", v1.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	return row.metadata()
}

// GetHistory implements store.Store.
func (s *SQLStore) GetHistory(ctx context.Context, instanceID string) ([]*v1.HistoryEvent, error) {
	r := s.pool.Reader()
	var rows []string
	err := r.SelectContext(ctx, &rows,
		r.Rebind(`SELECT event_json FROM history WHERE instance_id = ? ORDER BY sequence`), instanceID)
	if err != nil {
		return nil, err
	}
	events := make([]*v1.HistoryEvent, 0, len(rows))
	for _, raw := range rows {
		var e v1.HistoryEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// Query implements store.Store.
func (s *SQLStore) Query(ctx context.Context, req *v1.QueryRequest) (*v1.QueryResponse, error) {
	r := s.pool.Reader()
	query := `SELECT * FROM instances WHERE 1=1`
	args := []any{}
	f := req.Filter
	if f.InstanceIDPrefix != "" {
		query += ` AND instance_id LIKE ?`
		args = append(args, f.InstanceIDPrefix+"%")
	}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, st := range f.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + placeholders + `)`
	}
	if f.CreatedFrom != nil {
		query += ` AND created_at >= ?`
		args = append(args, toMs(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		query += ` AND created_at <= ?`
		args = append(args, toMs(*f.CreatedTo))
	}
	query += ` ORDER BY created_at, instance_id`

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := 0
	if req.Continuation != "" {
		n, err := strconv.Atoi(req.Continuation)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad continuation token", v1.ErrInvalidArgument)
		}
		offset = n
	}
	// Fetch one extra row to detect another page.
	query += ` LIMIT ? OFFSET ?`
	args = append(args, pageSize+1, offset)

	var rows []instanceRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}
	resp := &v1.QueryResponse{}
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		resp.Continuation = strconv.Itoa(offset + pageSize)
	}
	for i := range rows {
		md, err := rows[i].metadata()
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, md)
	}
	return resp, nil
}

// Purge implements store.Store.
func (s *SQLStore) Purge(ctx context.Context, instanceID string) error {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.GetContext(ctx, &status,
		w.Rebind(`SELECT status FROM instances WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", v1.ErrNotFound, instanceID)
	}
	if err != nil {
		return err
	}
	if !v1.OrchestrationStatus(status).IsTerminal() {
		return fmt.Errorf("%w: cannot purge non-terminal instance %s", v1.ErrInvalidArgument, instanceID)
	}
	if err := s.deleteInstanceTx(ctx, tx, instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeBy implements store.Store.
func (s *SQLStore) PurgeBy(ctx context.Context, filter *v1.QueryFilter) (int, error) {
	req := &v1.QueryRequest{Filter: *filter, PageSize: 500}
	deleted := 0
	for {
		resp, err := s.Query(ctx, req)
		if err != nil {
			return deleted, err
		}
		pageDeleted := 0
		for _, md := range resp.Results {
			if !md.Status.IsTerminal() {
				continue
			}
			if err := s.Purge(ctx, md.Instance.InstanceID); err != nil {
				if errors.Is(err, v1.ErrNotFound) {
					continue
				}
				return deleted, err
			}
			pageDeleted++
		}
		deleted += pageDeleted
		if resp.Continuation == "" {
			return deleted, nil
		}
		if pageDeleted > 0 {
			// Deletions shift subsequent pages; rescan from the start.
			req.Continuation = ""
		} else {
			req.Continuation = resp.Continuation
		}
	}
}

// WaitForStatus implements store.Store.
func (s *SQLStore) WaitForStatus(ctx context.Context, instanceID string, statuses []v1.OrchestrationStatus) (*v1.OrchestrationMetadata, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		md, err := s.GetMetadata(ctx, instanceID)
		if err != nil && !errors.Is(err, v1.ErrNotFound) {
			return nil, err
		}
		if md != nil && store.StatusMatches(md.Status, statuses) {
			return md, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, store.ErrClosed
		case <-ticker.C:
		}
	}
}

// Close implements store.Store.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
