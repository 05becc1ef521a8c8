package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIError は通知APIがエラーステータスを返した場合のエラー。
type APIError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Message はレスポンスのerrorフィールド。JSONでなければボディそのもの。
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, error=%s", e.StatusCode, e.Message)
}

// IsStatus はerrが指定したステータスコードのAPIErrorかどうかを返す。
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Notification はAPIが返す通知。
type Notification struct {
	ID             string          `json:"id"`
	NotifiedUserID string          `json:"notified_user_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	EventParams    json.RawMessage `json:"event_params"`
	Reasons        []string        `json:"reasons"`
	CreatedOn      time.Time       `json:"created_on"`
	ExpiresOn      time.Time       `json:"expires_on"`
	ReadOn         *time.Time      `json:"read_on"`
}

// Group はAPIが返す通知グループ。
type Group struct {
	NotificationIDs []string        `json:"notification_ids"`
	EventType       string          `json:"event_type"`
	EventParams     json.RawMessage `json:"event_params"`
	FirstCreatedOn  time.Time       `json:"first_created_on"`
	LastCreatedOn   time.Time       `json:"last_created_on"`
}

// Client は通知APIのHTTPクライアント。
// リクエストにはBearerトークンを付与する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知APIのベースURL（例: "http://localhost:8086"）。
	baseURL string
	// token はAuthorizationヘッダーに付与するJWT。
	token string
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New は新しい通知APIクライアントを生成する。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppendEvent はイベントをイベントログに追記し、採番されたイベントIDを返す。
// paramsはイベント種別に対応するペイロード。
func (c *Client) AppendEvent(ctx context.Context, eventType string, params any) (string, error) {
	body := map[string]any{"type": eventType, "params": params}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/internal/events", body, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// ListNotifications は認証ユーザーの通知を古い順に返す。
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var result []Notification
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/notifications", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListUnreadNotifications は認証ユーザーの未読通知を古い順に返す。
func (c *Client) ListUnreadNotifications(ctx context.Context) ([]Notification, error) {
	var result []Notification
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/notifications/unread", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListGroups は認証ユーザーの通知を連続する同一イベントごとにまとめて返す。
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var result []Group
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/notifications/groups", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkAsRead は指定した通知を既読にする。
func (c *Client) MarkAsRead(ctx context.Context, notificationID string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

// MarkAllAsRead は認証ユーザーの全通知を既読にする。
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/notifications/read-all", nil, nil)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
// レスポンスボディをresultにデシリアライズする。resultがnilなら読み捨てる。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// newAPIError はエラーレスポンスからAPIErrorを組み立てる。
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
