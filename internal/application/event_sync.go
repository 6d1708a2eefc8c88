package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

// Status は同期状態を表す
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

const resyncTimeout = 30 * time.Second

// ErrSyncClosed は Close 済みのセッションを操作した場合のエラー
var ErrSyncClosed = errors.New("同期セッションは終了しています")

// Notifier は作成確認の通知先。失敗は内部で処理し呼び出し元へ返さない
type Notifier interface {
	NotifyCreated(ctx context.Context, email, title, when string)
}

// Snapshot はある時点のコレクションの写し
// Events は開始時刻の昇順（同時刻は到着順）
type Snapshot struct {
	OwnerID   string
	Status    Status
	LastError error
	Events    []*event.Event
}

// Listener は状態遷移ごとに呼ばれる。同期ループ上で実行されるため
// EventSync のメソッドを同期的に呼んではならない
type Listener func(Snapshot)

// Option は EventSync の設定
type Option func(*EventSync)

// WithLogger はロガーを設定する
func WithLogger(l *zap.Logger) Option {
	return func(s *EventSync) { s.log = l }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *EventSync) { s.metrics = m }
}

// WithTimeFormat は通知に渡す開始時刻の書式とタイムゾーンを設定する
func WithTimeFormat(layout string, loc *time.Location) Option {
	return func(s *EventSync) {
		s.timeLayout = layout
		if loc != nil {
			s.loc = loc
		}
	}
}

// EventSync は所有者のイベントコレクションを保持し、
// ローカルの変更操作と変更フィードを1つのループで直列に反映する
type EventSync struct {
	repo     event.Repository
	feed     event.ChangeFeed
	notifier Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics

	timeLayout string
	loc        *time.Location

	ops       chan func(*syncState)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	notifyMu     sync.Mutex
	notifyClosed bool
	notifyWG     sync.WaitGroup

	// 登録中のリスナー数。セッションの回収判定に使う
	listening atomic.Int32
}

type syncState struct {
	owner      *event.Owner
	generation uint64
	status     Status
	lastErr    error
	events     []*event.Event

	// 取得中に届いた通知。取得結果の反映後に再適用する
	loading bool
	pending []event.Change

	sub          *feedPump
	listeners    map[uint64]Listener
	nextListener uint64
}

type feedPump struct {
	sub  event.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewEventSync は EventSync を作成し同期ループを開始する
// notifier は nil でもよい
func NewEventSync(repo event.Repository, feed event.ChangeFeed, notifier Notifier, opts ...Option) *EventSync {
	s := &EventSync{
		repo:       repo,
		feed:       feed,
		notifier:   notifier,
		log:        logger.Named("event_sync"),
		timeLayout: "2006-01-02 15:04 MST",
		loc:        time.UTC,
		ops:        make(chan func(*syncState)),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run(&syncState{status: StatusIdle, listeners: make(map[uint64]Listener)})
	return s
}

func (s *EventSync) run(st *syncState) {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op(st)
		case <-s.quit:
			s.closeSubscription(st)
			st.listeners = nil
			return
		}
	}
}

// exec は fn を同期ループ上で実行し、完了まで待つ
func (s *EventSync) exec(ctx context.Context, fn func(*syncState)) error {
	finished := make(chan struct{})
	op := func(st *syncState) {
		defer close(finished)
		fn(st)
	}
	select {
	case s.ops <- op:
	case <-s.quit:
		return ErrSyncClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// apply はリモート呼び出し後の反映に使う。呼び出し元のキャンセルに影響されない
func (s *EventSync) apply(fn func(*syncState)) error {
	return s.exec(context.Background(), fn)
}

// Close は購読を解除し同期ループを停止する
// 送信中の作成確認は完了まで待つ
func (s *EventSync) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done

	s.notifyMu.Lock()
	s.notifyClosed = true
	s.notifyMu.Unlock()
	s.notifyWG.Wait()
	return nil
}

// Done は同期ループが停止すると閉じるチャネルを返す
func (s *EventSync) Done() <-chan struct{} {
	return s.done
}

// Listening はリスナーが1つ以上登録されているかを返す
func (s *EventSync) Listening() bool {
	return s.listening.Load() > 0
}

// SetOwnerEmail は作成確認の宛先を差し替える
// ownerID が現在の所有者でなければ何もしない
func (s *EventSync) SetOwnerEmail(ctx context.Context, ownerID, email string) error {
	return s.exec(ctx, func(st *syncState) {
		if st.owner == nil || st.owner.ID != ownerID {
			return
		}
		st.owner.Email = email
	})
}

// Initialize は所有者を切り替えてコレクションを読み込み直す
// owner が nil の場合は状態をクリアし購読を持たない
func (s *EventSync) Initialize(ctx context.Context, owner *event.Owner) error {
	active := owner != nil && owner.ID != ""

	var gen uint64
	if err := s.exec(ctx, func(st *syncState) {
		// 旧所有者の購読は新しい購読より先に必ず閉じる
		s.closeSubscription(st)
		st.generation++
		gen = st.generation
		st.pending = nil

		if !active {
			st.owner = nil
			st.events = nil
			st.loading = false
			st.status = StatusIdle
			st.lastErr = nil
			s.emit(st)
			return
		}

		if st.owner == nil || st.owner.ID != owner.ID {
			st.events = nil
			st.lastErr = nil
		}
		o := *owner
		st.owner = &o
		st.loading = true
		st.status = StatusLoading
		s.emit(st)
	}); err != nil {
		return err
	}
	if !active {
		return nil
	}

	log := s.log.With(zap.String("owner_id", owner.ID))

	sub, err := s.feed.Subscribe(ctx, owner.ID)
	if err != nil {
		err = fmt.Errorf("変更フィードの購読に失敗しました: %w", classify(err))
		_ = s.apply(func(st *syncState) {
			if st.generation != gen {
				return
			}
			st.loading = false
			st.status = StatusError
			st.lastErr = err
			s.emit(st)
		})
		log.Error("変更フィードの購読に失敗", zap.Error(err))
		return err
	}

	attached := false
	if err := s.apply(func(st *syncState) {
		if st.generation != gen {
			return
		}
		st.sub = s.startPump(gen, sub)
		attached = true
	}); err != nil {
		_ = sub.Close()
		return err
	}
	if !attached {
		// 後続の Initialize に置き換えられた
		_ = sub.Close()
		log.Debug("古い所有者の購読を破棄")
		return nil
	}

	return s.load(ctx, gen, owner.ID)
}

// Refresh は現在の所有者のイベントを取得し直す
func (s *EventSync) Refresh(ctx context.Context) error {
	var (
		gen     uint64
		ownerID string
	)
	if err := s.exec(ctx, func(st *syncState) {
		if st.owner == nil {
			return
		}
		gen = st.generation
		ownerID = st.owner.ID
		st.loading = true
		st.status = StatusLoading
		s.emit(st)
	}); err != nil {
		return err
	}
	if ownerID == "" {
		return event.ErrAuthenticationRequired
	}
	return s.load(ctx, gen, ownerID)
}

func (s *EventSync) load(ctx context.Context, gen uint64, ownerID string) error {
	start := time.Now()
	records, err := s.repo.Fetch(ctx, ownerID)
	s.metrics.ObserveStoreCall("fetch", time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("イベント取得に失敗しました: %w", classify(err))
	}

	stale := false
	if applyErr := s.apply(func(st *syncState) {
		if !isCurrent(st, gen, ownerID) {
			stale = true
			return
		}
		pending := st.pending
		st.pending = nil
		st.loading = false

		if err != nil {
			// 取得失敗時は既存のコレクションを残す
			st.status = StatusError
			st.lastErr = err
		} else {
			events := make([]*event.Event, 0, len(records))
			for _, r := range records {
				if r == nil || r.OwnerID != ownerID {
					continue
				}
				events = append(events, r.Clone())
			}
			sortByStart(events)
			st.events = events
			st.status = StatusReady
			st.lastErr = nil
		}
		for _, ch := range pending {
			mergeChange(st, ch)
		}
		s.emit(st)
	}); applyErr != nil {
		return applyErr
	}

	if stale {
		s.log.Debug("古い取得結果を破棄", zap.String("owner_id", ownerID))
		return nil
	}
	if err != nil {
		s.log.Error("イベント取得に失敗", zap.String("owner_id", ownerID), zap.Error(err))
		return err
	}
	return nil
}

// Create はイベントを作成し、ストアの確定後にコレクションへ追加する
func (s *EventSync) Create(ctx context.Context, ownerID string, fields event.Fields) (*event.Event, error) {
	owner, gen, err := s.authorize(ctx, ownerID)
	if err != nil {
		return nil, s.fail("create", 0, err)
	}
	if err := fields.Validate(); err != nil {
		return nil, s.fail("create", gen, err)
	}

	start := time.Now()
	record, err := s.repo.Insert(ctx, ownerID, fields)
	s.metrics.ObserveStoreCall("insert", time.Since(start).Seconds())
	if err != nil {
		return nil, s.fail("create", gen, fmt.Errorf("イベント作成に失敗しました: %w", classify(err)))
	}

	_ = s.apply(func(st *syncState) {
		if !isCurrent(st, gen, ownerID) || record.OwnerID != ownerID {
			return
		}
		upsert(st, record.Clone())
		s.emit(st)
	})
	s.metrics.ObserveMutation("create", "success")
	s.log.Info("イベントを作成",
		zap.String("owner_id", ownerID),
		zap.String("event_id", record.ID),
	)

	s.notifyCreated(ctx, owner, record)
	return record.Clone(), nil
}

// Update はイベントを部分更新し、ストアの確定後にコレクションへ反映する
func (s *EventSync) Update(ctx context.Context, ownerID, id string, patch event.Patch) (*event.Event, error) {
	_, gen, err := s.authorize(ctx, ownerID)
	if err != nil {
		return nil, s.fail("update", 0, err)
	}
	if err := patch.Validate(); err != nil {
		return nil, s.fail("update", gen, err)
	}
	if patch.IsEmpty() {
		return nil, s.fail("update", gen, fmt.Errorf("%w: 変更項目がありません", event.ErrValidationFailed))
	}

	// 手元にあるレコードで適用後の整合性を確認する
	var merged *event.Event
	if err := s.exec(ctx, func(st *syncState) {
		if i := indexOf(st.events, id); i >= 0 {
			merged = st.events[i].Apply(patch)
		}
	}); err != nil {
		return nil, err
	}
	if merged != nil {
		if err := merged.Validate(); err != nil {
			return nil, s.fail("update", gen, err)
		}
	}

	start := time.Now()
	record, err := s.repo.Update(ctx, ownerID, id, patch)
	s.metrics.ObserveStoreCall("update", time.Since(start).Seconds())
	if err != nil {
		return nil, s.fail("update", gen, fmt.Errorf("イベント更新に失敗しました: %w", classify(err)))
	}

	_ = s.apply(func(st *syncState) {
		if !isCurrent(st, gen, ownerID) || record.OwnerID != ownerID {
			return
		}
		upsert(st, record.Clone())
		s.emit(st)
	})
	s.metrics.ObserveMutation("update", "success")
	return record.Clone(), nil
}

// Delete はイベントを削除する。既に存在しない場合も成功として扱う
func (s *EventSync) Delete(ctx context.Context, ownerID, id string) error {
	_, gen, err := s.authorize(ctx, ownerID)
	if err != nil {
		return s.fail("delete", 0, err)
	}

	start := time.Now()
	err = s.repo.Delete(ctx, ownerID, id)
	s.metrics.ObserveStoreCall("delete", time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, event.ErrEventNotFound) {
			return s.fail("delete", gen, fmt.Errorf("イベント削除に失敗しました: %w", classify(err)))
		}
		s.log.Debug("削除対象は既に存在しません", zap.String("owner_id", ownerID), zap.String("event_id", id))
	}

	_ = s.apply(func(st *syncState) {
		if !isCurrent(st, gen, ownerID) {
			return
		}
		if remove(st, id) {
			s.emit(st)
		}
	})
	s.metrics.ObserveMutation("delete", "success")
	return nil
}

// Snapshot は現在のコレクションと同期状態を返す
func (s *EventSync) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func(st *syncState) {
		snap = st.snapshot()
	})
	return snap, err
}

// AddListener はリスナーを登録し、現在の状態で一度呼び出す
// 戻り値の関数で登録を解除する
func (s *EventSync) AddListener(fn Listener) (func(), error) {
	var id uint64
	if err := s.apply(func(st *syncState) {
		st.nextListener++
		id = st.nextListener
		st.listeners[id] = fn
		fn(st.snapshot())
	}); err != nil {
		return func() {}, err
	}
	s.listening.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listening.Add(-1)
			_ = s.apply(func(st *syncState) {
				delete(st.listeners, id)
			})
		})
	}, nil
}

func (s *EventSync) authorize(ctx context.Context, ownerID string) (event.Owner, uint64, error) {
	var (
		owner event.Owner
		gen   uint64
		ok    bool
	)
	if err := s.exec(ctx, func(st *syncState) {
		if ownerID == "" || st.owner == nil || st.owner.ID != ownerID {
			return
		}
		owner = *st.owner
		gen = st.generation
		ok = true
	}); err != nil {
		return owner, 0, err
	}
	if !ok {
		return owner, 0, event.ErrAuthenticationRequired
	}
	return owner, gen, nil
}

// fail は失敗を lastError に記録し、そのまま返す
// 操作の開始後に所有者が切り替わっていれば記録しない。gen が 0 なら常に記録する
func (s *EventSync) fail(operation string, gen uint64, err error) error {
	if errors.Is(err, ErrSyncClosed) {
		return err
	}
	_ = s.apply(func(st *syncState) {
		if gen != 0 && st.generation != gen {
			return
		}
		st.lastErr = err
		s.emit(st)
	})
	s.metrics.ObserveMutation(operation, resultLabel(err))
	s.log.Warn("イベント操作に失敗",
		zap.String("operation", operation),
		zap.Error(err),
	)
	return err
}

func (s *EventSync) notifyCreated(ctx context.Context, owner event.Owner, record *event.Event) {
	if s.notifier == nil {
		return
	}
	if strings.TrimSpace(owner.Email) == "" {
		s.log.Debug("メールアドレスがないため通知をスキップ", zap.String("owner_id", owner.ID))
		return
	}
	when := record.StartTime.In(s.loc).Format(s.timeLayout)
	title := record.Title
	nctx := context.WithoutCancel(ctx)

	s.notifyMu.Lock()
	if s.notifyClosed {
		s.notifyMu.Unlock()
		s.log.Debug("終了済みのため通知をスキップ", zap.String("owner_id", owner.ID))
		return
	}
	s.notifyWG.Add(1)
	s.notifyMu.Unlock()

	go func() {
		defer s.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("通知処理でパニック", zap.Any("panic", r))
			}
		}()
		s.notifier.NotifyCreated(nctx, owner.Email, title, when)
	}()
}

func (s *EventSync) startPump(gen uint64, sub event.Subscription) *feedPump {
	p := &feedPump{
		sub:  sub,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.pump(gen, p)
	return p
}

// pump は購読の通知を同期ループへ転送する
func (s *EventSync) pump(gen uint64, p *feedPump) {
	defer close(p.done)
	changes := p.sub.Changes()
	for {
		select {
		case ch, ok := <-changes:
			if !ok {
				select {
				case <-p.stop:
				case <-s.quit:
				default:
					// フィード側から購読が切られた
					go s.resync(gen)
				}
				return
			}
			op := func(st *syncState) { s.applyChange(st, gen, ch) }
			select {
			case s.ops <- op:
			case <-p.stop:
				return
			case <-s.quit:
				return
			}
		case <-p.stop:
			return
		case <-s.quit:
			return
		}
	}
}

// resync は切れた購読を張り直し、取りこぼした変更をストアから読み直す
func (s *EventSync) resync(gen uint64) {
	var owner *event.Owner
	if err := s.apply(func(st *syncState) {
		if st.generation != gen || st.owner == nil {
			return
		}
		o := *st.owner
		owner = &o
	}); err != nil || owner == nil {
		return
	}
	s.metrics.ObserveFeedChange("SUBSCRIPTION", "lost")
	s.log.Warn("変更フィードの購読が切断されたため再同期", zap.String("owner_id", owner.ID))

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := s.Initialize(ctx, owner); err != nil && !errors.Is(err, ErrSyncClosed) {
		s.log.Error("再同期に失敗", zap.String("owner_id", owner.ID), zap.Error(err))
	}
}

func (s *EventSync) closeSubscription(st *syncState) {
	if st.sub == nil {
		return
	}
	p := st.sub
	st.sub = nil
	close(p.stop)
	if err := p.sub.Close(); err != nil {
		s.log.Warn("変更フィードの購読解除に失敗", zap.Error(err))
	}
	<-p.done
}

func (s *EventSync) applyChange(st *syncState, gen uint64, ch event.Change) {
	if st.generation != gen || st.owner == nil {
		s.metrics.ObserveFeedChange(string(ch.Type), "stale")
		return
	}
	if !belongsTo(ch, st.owner.ID) {
		s.metrics.ObserveFeedChange(string(ch.Type), "discarded")
		s.log.Warn("他の所有者の変更通知を破棄",
			zap.String("owner_id", st.owner.ID),
			zap.String("change_owner_id", ch.OwnerID),
			zap.String("event_id", ch.ID),
		)
		return
	}
	if st.loading {
		st.pending = append(st.pending, ch)
	}
	if mergeChange(st, ch) {
		s.metrics.ObserveFeedChange(string(ch.Type), "applied")
		s.emit(st)
		return
	}
	s.metrics.ObserveFeedChange(string(ch.Type), "ignored")
}

func (s *EventSync) emit(st *syncState) {
	if len(st.listeners) == 0 {
		return
	}
	snap := st.snapshot()
	for _, fn := range st.listeners {
		fn(snap)
	}
}

func (st *syncState) snapshot() Snapshot {
	snap := Snapshot{
		Status:    st.status,
		LastError: st.lastErr,
		Events:    make([]*event.Event, len(st.events)),
	}
	if st.owner != nil {
		snap.OwnerID = st.owner.ID
	}
	for i, e := range st.events {
		snap.Events[i] = e.Clone()
	}
	return snap
}

func isCurrent(st *syncState, gen uint64, ownerID string) bool {
	return st.generation == gen && st.owner != nil && st.owner.ID == ownerID
}

func belongsTo(ch event.Change, ownerID string) bool {
	if ch.OwnerID != "" && ch.OwnerID != ownerID {
		return false
	}
	if ch.Record != nil && ch.Record.OwnerID != ownerID {
		return false
	}
	return true
}

// mergeChange は通知をコレクションへ反映し、変化があれば true を返す
// 同じ通知が重複して届いても結果は変わらない
func mergeChange(st *syncState, ch event.Change) bool {
	switch ch.Type {
	case event.ChangeInsert:
		if ch.Record == nil || indexOf(st.events, ch.Record.ID) >= 0 {
			return false
		}
		insertSorted(st, ch.Record.Clone())
		return true
	case event.ChangeUpdate:
		if ch.Record == nil {
			return false
		}
		upsert(st, ch.Record.Clone())
		return true
	case event.ChangeDelete:
		id := ch.ID
		if id == "" && ch.Record != nil {
			id = ch.Record.ID
		}
		return remove(st, id)
	}
	return false
}

func upsert(st *syncState, e *event.Event) {
	if i := indexOf(st.events, e.ID); i >= 0 {
		st.events[i] = e
		sortByStart(st.events)
		return
	}
	insertSorted(st, e)
}

// insertSorted は同時刻のイベントの後ろに挿入する
func insertSorted(st *syncState, e *event.Event) {
	i := sort.Search(len(st.events), func(i int) bool {
		return st.events[i].StartTime.After(e.StartTime)
	})
	st.events = append(st.events, nil)
	copy(st.events[i+1:], st.events[i:])
	st.events[i] = e
}

func remove(st *syncState, id string) bool {
	i := indexOf(st.events, id)
	if i < 0 {
		return false
	}
	st.events = append(st.events[:i], st.events[i+1:]...)
	return true
}

func indexOf(events []*event.Event, id string) int {
	for i, e := range events {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func sortByStart(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
}

// classify は分類されていないストアのエラーを ErrStoreUnavailable として扱う
func classify(err error) error {
	switch {
	case errors.Is(err, event.ErrEventNotFound),
		errors.Is(err, event.ErrValidationFailed),
		errors.Is(err, event.ErrAuthenticationRequired),
		errors.Is(err, event.ErrStoreUnavailable):
		return err
	}
	return fmt.Errorf("%w: %w", event.ErrStoreUnavailable, err)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, event.ErrAuthenticationRequired):
		return "auth"
	case errors.Is(err, event.ErrValidationFailed):
		return "validation"
	case errors.Is(err, event.ErrEventNotFound):
		return "not_found"
	}
	return "error"
}
