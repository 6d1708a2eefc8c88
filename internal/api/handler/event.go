package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-event-calendar/internal/api/middleware"
	"github.com/sanosuguru/go-event-calendar/internal/application"
	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
)

const streamKeepAlive = 25 * time.Second

type EventHandler struct {
	sessions  SessionProvider
	keepAlive time.Duration
}

func NewEventHandler(sessions SessionProvider) *EventHandler {
	return &EventHandler{sessions: sessions, keepAlive: streamKeepAlive}
}

// Register はイベントAPIのルートを登録する
func (h *EventHandler) Register(g *echo.Group) {
	g.GET("/events", h.List)
	g.POST("/events", h.Create)
	g.POST("/events/refresh", h.Refresh)
	g.GET("/events/stream", h.Stream)
	g.PATCH("/events/:id", h.Update)
	g.DELETE("/events/:id", h.Delete)
}

type CreateEventRequest struct {
	Title       string  `json:"title" validate:"required,notblank,max=200" example:"Standup"`
	Description string  `json:"description" validate:"max=2000" example:"デイリーミーティング"`
	StartTime   string  `json:"start_time" validate:"required" example:"2024-01-02T09:00:00Z"`
	EndTime     *string `json:"end_time" example:"2024-01-02T09:15:00Z"`
}

// UpdateEventRequest は部分更新のリクエスト
// 省略した項目は変更しない。clear_end_time で終了時刻を削除する
type UpdateEventRequest struct {
	Title        *string `json:"title" validate:"omitempty,notblank,max=200"`
	Description  *string `json:"description" validate:"omitempty,max=2000"`
	StartTime    *string `json:"start_time"`
	EndTime      *string `json:"end_time"`
	ClearEndTime bool    `json:"clear_end_time"`
}

type EventResponse struct {
	ID          string  `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	OwnerID     string  `json:"owner_id" example:"u1"`
	Title       string  `json:"title" example:"Standup"`
	Description string  `json:"description" example:"デイリーミーティング"`
	StartTime   string  `json:"start_time" example:"2024-01-02T09:00:00Z"`
	EndTime     *string `json:"end_time" example:"2024-01-02T09:15:00Z"`
	CreatedAt   string  `json:"created_at" example:"2024-01-01T10:00:00Z"`
	UpdatedAt   string  `json:"updated_at" example:"2024-01-01T10:00:00Z"`
}

type SnapshotResponse struct {
	OwnerID   string           `json:"owner_id"`
	Status    string           `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	Events    []*EventResponse `json:"events"`
}

func toEventResponse(e *event.Event) *EventResponse {
	resp := &EventResponse{
		ID:          e.ID,
		OwnerID:     e.OwnerID,
		Title:       e.Title,
		Description: e.Description,
		StartTime:   e.StartTime.Format(time.RFC3339),
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
	}
	if e.EndTime != nil {
		end := e.EndTime.Format(time.RFC3339)
		resp.EndTime = &end
	}
	return resp
}

func toSnapshotResponse(s application.Snapshot) *SnapshotResponse {
	resp := &SnapshotResponse{
		OwnerID: s.OwnerID,
		Status:  string(s.Status),
		Events:  make([]*EventResponse, len(s.Events)),
	}
	if s.LastError != nil {
		resp.LastError = s.LastError.Error()
	}
	for i, e := range s.Events {
		resp.Events[i] = toEventResponse(e)
	}
	return resp
}

// List godoc
// @Summary イベント一覧を取得
// @Description 所有者のイベントを開始時刻の昇順で返します
// @Tags events
// @Produce json
// @Param X-User-ID header string true "ユーザーID"
// @Success 200 {object} SnapshotResponse
// @Failure 401 {object} map[string]string
// @Router /events [get]
func (h *EventHandler) List(c echo.Context) error {
	sess, _, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := sess.Snapshot(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, toSnapshotResponse(snap))
}

// Create godoc
// @Summary イベントを作成
// @Description 新しいイベントを作成します
// @Tags events
// @Accept json
// @Produce json
// @Param X-User-ID header string true "ユーザーID"
// @Param X-User-Email header string false "確認メールの宛先"
// @Param request body CreateEventRequest true "イベント情報"
// @Success 201 {object} EventResponse
// @Failure 400 {object} map[string]string
// @Router /events [post]
func (h *EventHandler) Create(c echo.Context) error {
	var req CreateEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "リクエストの形式が不正です")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	startTime, err := parseTime("start_time", req.StartTime)
	if err != nil {
		return err
	}
	fields := event.Fields{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		StartTime:   startTime,
	}
	if req.EndTime != nil && *req.EndTime != "" {
		endTime, err := parseTime("end_time", *req.EndTime)
		if err != nil {
			return err
		}
		fields.EndTime = &endTime
	}

	sess, owner, err := h.session(c)
	if err != nil {
		return err
	}
	e, err := sess.Create(c.Request().Context(), owner.ID, fields)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, toEventResponse(e))
}

// Update godoc
// @Summary イベントを部分更新
// @Description 指定した項目だけを更新します
// @Tags events
// @Accept json
// @Produce json
// @Param X-User-ID header string true "ユーザーID"
// @Param id path string true "イベントID"
// @Param request body UpdateEventRequest true "変更内容"
// @Success 200 {object} EventResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /events/{id} [patch]
func (h *EventHandler) Update(c echo.Context) error {
	id := c.Param("id")
	var req UpdateEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "リクエストの形式が不正です")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	patch := event.Patch{
		Description:  req.Description,
		ClearEndTime: req.ClearEndTime,
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		patch.Title = &title
	}
	if req.StartTime != nil {
		t, err := parseTime("start_time", *req.StartTime)
		if err != nil {
			return err
		}
		patch.StartTime = &t
	}
	if req.EndTime != nil {
		t, err := parseTime("end_time", *req.EndTime)
		if err != nil {
			return err
		}
		patch.EndTime = &t
	}

	sess, owner, err := h.session(c)
	if err != nil {
		return err
	}
	e, err := sess.Update(c.Request().Context(), owner.ID, id, patch)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, toEventResponse(e))
}

// Delete godoc
// @Summary イベントを削除
// @Description 指定IDのイベントを削除します。存在しない場合も成功します
// @Tags events
// @Param X-User-ID header string true "ユーザーID"
// @Param id path string true "イベントID"
// @Success 204
// @Router /events/{id} [delete]
func (h *EventHandler) Delete(c echo.Context) error {
	sess, owner, err := h.session(c)
	if err != nil {
		return err
	}
	if err := sess.Delete(c.Request().Context(), owner.ID, c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Refresh godoc
// @Summary イベントを再取得
// @Description ストアからイベントを取得し直します
// @Tags events
// @Produce json
// @Param X-User-ID header string true "ユーザーID"
// @Success 200 {object} SnapshotResponse
// @Failure 503 {object} map[string]string
// @Router /events/refresh [post]
func (h *EventHandler) Refresh(c echo.Context) error {
	sess, _, err := h.session(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := sess.Refresh(ctx); err != nil {
		return toHTTPError(err)
	}
	snap, err := sess.Snapshot(ctx)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, toSnapshotResponse(snap))
}

// Stream godoc
// @Summary 変更をストリーミング
// @Description コレクションが変化するたびにスナップショットを Server-Sent Events で送ります
// @Tags events
// @Produce text/event-stream
// @Param X-User-ID header string true "ユーザーID"
// @Router /events/stream [get]
func (h *EventHandler) Stream(c echo.Context) error {
	sess, _, err := h.session(c)
	if err != nil {
		return err
	}

	// リスナーは同期ループ上で呼ばれるのでブロックさせない
	// 未送信のスナップショットは新しいもので置き換える
	updates := make(chan application.Snapshot, 1)
	remove, err := sess.AddListener(func(s application.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	if err != nil {
		return toHTTPError(err)
	}
	defer remove()

	res := c.Response()
	// サーバーの WriteTimeout は長時間の配信には適用しない
	if err := http.NewResponseController(res.Writer).SetWriteDeadline(time.Time{}); err != nil &&
		!errors.Is(err, http.ErrNotSupported) {
		return err
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()

	// AddListener は登録時に現在の状態を渡すので、切断より先に送る
	select {
	case snap := <-updates:
		if err := writeSnapshot(res, snap); err != nil {
			return nil
		}
	default:
	}

	// セッションが回収・終了したら配信を終える。クライアントは再接続する
	closed := sess.Done()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case snap := <-updates:
			if err := writeSnapshot(res, snap); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeSnapshot(res *echo.Response, snap application.Snapshot) error {
	data, err := json.Marshal(toSnapshotResponse(snap))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// session はヘッダーの所有者に対応する同期セッションを返す
func (h *EventHandler) session(c echo.Context) (EventSession, event.Owner, error) {
	owner := event.Owner{
		ID:    strings.TrimSpace(c.Request().Header.Get(middleware.HeaderUserID)),
		Email: strings.TrimSpace(c.Request().Header.Get(middleware.HeaderUserEmail)),
	}
	if owner.ID == "" {
		return nil, owner, echo.NewHTTPError(http.StatusUnauthorized, "認証が必要です")
	}
	sess, err := h.sessions.Acquire(c.Request().Context(), owner)
	if err != nil {
		return nil, owner, toHTTPError(err)
	}
	return sess, owner, nil
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, field+" の形式が不正です（RFC3339）")
	}
	return t.UTC(), nil
}

// toHTTPError はドメインのエラーをHTTPステータスに対応付ける
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, event.ErrAuthenticationRequired):
		return echo.NewHTTPError(http.StatusUnauthorized, "認証が必要です").SetInternal(err)
	case errors.Is(err, event.ErrEventNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "イベントが見つかりません").SetInternal(err)
	case errors.Is(err, event.ErrValidationFailed):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, event.ErrStoreUnavailable),
		errors.Is(err, application.ErrSyncClosed),
		errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "イベントストアを利用できません").SetInternal(err)
	}
	return err
}
