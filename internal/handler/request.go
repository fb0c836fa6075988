// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/preference"
	"github.com/hitoshi/letsmeetup/internal/session"
)

// maxRequestBodySize はリクエストボディの上限（バイト）。
const maxRequestBodySize = 64 * 1024

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeJSONBody はリクエストボディをdestにデコードし、validateタグで検証する。
// 失敗した場合はユーザーに返せる理由を含む*model.APIErrorを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dest any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer io.Copy(io.Discard, r.Body)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return model.NewInvalidRequestError("JSONの形式が正しくありません")
	}
	if err := validate.Struct(dest); err != nil {
		return model.NewInvalidRequestError(validationReason(err))
	}
	return nil
}

// validationReason は検証エラーを「フィールド: 理由」の形式にまとめる。
func validationReason(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	reasons := make([]string, 0, len(errs))
	for _, fe := range errs {
		reasons = append(reasons, fmt.Sprintf("%s: %s", fe.Field(), validationMessage(fe)))
	}
	return strings.Join(reasons, ", ")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須です"
	case "email":
		return "メールアドレスの形式が正しくありません"
	case "min":
		return fmt.Sprintf("%s文字以上で入力してください", fe.Param())
	case "max":
		return fmt.Sprintf("%s以下にしてください", fe.Param())
	case "oneof":
		return fmt.Sprintf("%s のいずれかを指定してください", fe.Param())
	}
	return "不正な値です"
}

// writeServiceError はセッション・設定の操作で発生したエラーをHTTPレスポンスに変換する。
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var authErr *model.AuthError
	var dataErr *model.DataError
	var apiErr *model.APIError

	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
	case errors.As(err, &authErr):
		middleware.WriteErrorResponse(w, authErrorStatus(authErr), model.NewAuthFailedError(authErr.Message))
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, preference.ErrNoIdentity):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
	case errors.Is(err, session.ErrUnsupportedProvider):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnsupportedProviderError(providerFrom(r)))
	case errors.Is(err, preference.ErrInvalidForm):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(validationReason(err)))
	case errors.As(err, &dataErr):
		logger.Error("データストアの操作に失敗しました",
			slog.String("op", dataErr.Op),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewDataUnavailableError())
	default:
		logger.Error("internal server error",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

// authErrorStatus はIdPのHTTPステータスをこのAPIのステータスに変換する。
func authErrorStatus(err *model.AuthError) int {
	switch {
	case err.Status == http.StatusUnauthorized, err.Status == http.StatusForbidden:
		return http.StatusUnauthorized
	case err.Status == http.StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case err.Status == http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case err.Status >= http.StatusInternalServerError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
