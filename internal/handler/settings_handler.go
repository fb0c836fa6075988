package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/preference"
	"github.com/hitoshi/letsmeetup/internal/security"
)

// EditorSource はブラウザとIdentityに対応する編集中フォームを返すインターフェース。
// preference.Editorsが満たす。
type EditorSource interface {
	For(browserID string, identity *model.Identity) *preference.Editor
	Remove(browserID string)
}

// SettingsHandler はプロフィールと設定の編集のHTTPハンドラー。認証必須のルートに配置する。
type SettingsHandler struct {
	editors   EditorSource
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewSettingsHandler はSettingsHandlerを生成する。
func NewSettingsHandler(editors EditorSource, sanitizer security.TextSanitizer, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		editors:   editors,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// toggleRequest は選択リストの切り替えリクエストのボディ。
type toggleRequest struct {
	Category string `json:"category" validate:"required"`
	Value    string `json:"value" validate:"required,max=100"`
}

// optionsResponse は選択肢一覧のAPIレスポンス。
type optionsResponse struct {
	Food          []string `json:"food"`
	Activity      []string `json:"activity"`
	Accessibility []string `json:"accessibility"`
}

// editor はリクエストのブラウザとIdentityに対応するEditorを返す。
func (h *SettingsHandler) editor(w http.ResponseWriter, r *http.Request) (*preference.Editor, bool) {
	browserID, err := middleware.BrowserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	return h.editors.For(browserID, identity), true
}

// Get は保存済みのプロフィールと設定を読み込み、編集用フォームとして返す。
// 読み込みに失敗した場合、編集中のフォームは変更されない。
// GET /api/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.editor(w, r)
	if !ok {
		return
	}

	form, err := e.Load(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, form)
}

// Put は編集用フォームをリクエストの内容で置き換えて保存し、保存後のフォームを返す。
// 保存に失敗した場合も、置き換えたフォームは編集中の状態として残る。
// PUT /api/settings
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var form preference.Form
	if apiErr := decodeJSONBody(w, r, &form); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	e, ok := h.editor(w, r)
	if !ok {
		return
	}

	form.Name = h.sanitizer.Sanitize(form.Name)
	form.DefaultLocation = h.sanitizer.Sanitize(form.DefaultLocation)
	form.FoodPreferences = h.sanitizeSet(form.FoodPreferences)
	form.ActivityPreferences = h.sanitizeSet(form.ActivityPreferences)
	form.AccessibilityNeeds = h.sanitizeSet(form.AccessibilityNeeds)
	e.Replace(form)

	saved, err := e.Save(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, saved)
}

// Toggle は編集中フォームの選択リストで値の有無を切り替える。保存は行わない。
// POST /api/settings/toggle
func (h *SettingsHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	category, err := preference.ParseCategory(req.Category)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCategoryError(req.Category))
		return
	}
	value := h.sanitizer.Sanitize(req.Value)
	if value == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("value: 必須です"))
		return
	}

	e, ok := h.editor(w, r)
	if !ok {
		return
	}

	form, err := e.Toggle(category, value)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, form)
}

// Options は設定画面の選択肢を返す。
// GET /api/settings/options
func (h *SettingsHandler) Options(w http.ResponseWriter, r *http.Request) {
	catalogue := preference.Catalogue()
	middleware.WriteJSON(w, http.StatusOK, optionsResponse{
		Food:          catalogue[preference.CategoryFood],
		Activity:      catalogue[preference.CategoryActivity],
		Accessibility: catalogue[preference.CategoryAccessibility],
	})
}

// sanitizeSet は選択リストの各値を無害化する。空になった値は取り除き、nilは空リストにする。
func (h *SettingsHandler) sanitizeSet(values []string) []string {
	cleaned := h.sanitizer.SanitizeList(values)
	if cleaned == nil {
		return []string{}
	}
	return cleaned
}
