package emailjs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/config"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

// Notifier は EmailJS の REST API で作成確認メールを送る
// 送信の失敗はログに残すだけで呼び出し元へは返さない
type Notifier struct {
	cfg      config.NotifierConfig
	client   *http.Client
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewNotifier は新しいNotifierインスタンスを作成する
func NewNotifier(cfg config.NotifierConfig, m *metrics.Metrics) *Notifier {
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		validate: validator.New(),
		metrics:  m,
		log:      logger.Named("emailjs"),
	}
}

type sendRequest struct {
	ServiceID      string         `json:"service_id"`
	TemplateID     string         `json:"template_id"`
	UserID         string         `json:"user_id"`
	TemplateParams templateParams `json:"template_params"`
}

type templateParams struct {
	ToEmail    string `json:"to_email"`
	EventTitle string `json:"event_title"`
	EventDate  string `json:"event_date"`
	Message    string `json:"message"`
}

// NotifyCreated はイベント作成の確認メールを送る
// 設定が無い場合や宛先が不正な場合は何もしない
func (n *Notifier) NotifyCreated(ctx context.Context, email, title, when string) {
	if !n.cfg.IsConfigured() {
		n.metrics.ObserveNotification("skipped")
		n.log.Debug("EmailJS が未設定のため通知をスキップ")
		return
	}
	to := strings.TrimSpace(email)
	if err := n.validate.Var(to, "required,email"); err != nil {
		n.metrics.ObserveNotification("skipped")
		n.log.Warn("メールアドレスが不正なため通知をスキップ")
		return
	}

	req := sendRequest{
		ServiceID:  n.cfg.ServiceID,
		TemplateID: n.cfg.TemplateID,
		UserID:     n.cfg.PublicKey,
		TemplateParams: templateParams{
			ToEmail:    to,
			EventTitle: title,
			EventDate:  when,
			Message:    fmt.Sprintf("Your event %q has been successfully created for %s.", title, when),
		},
	}
	if err := n.send(ctx, req); err != nil {
		n.metrics.ObserveNotification("failed")
		n.log.Error("確認メールの送信に失敗", zap.String("title", title), zap.Error(err))
		return
	}
	n.metrics.ObserveNotification("sent")
	n.log.Info("確認メールを送信", zap.String("title", title))
}

func (n *Notifier) send(ctx context.Context, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("EmailJS への送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("EmailJS がエラーを返しました: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
