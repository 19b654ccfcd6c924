package apperr

import (
	"net/http"
	"strings"
)

var statuses = map[Kind]int{
	MissingToken:      http.StatusUnauthorized,
	InvalidToken:      http.StatusUnauthorized,
	ExpiredToken:      http.StatusUnauthorized,
	NotAllowed:        http.StatusForbidden,
	TryAgainAfter:     http.StatusTooManyRequests,
	UserBlocked:       http.StatusTooManyRequests,
	InvalidRequest:    http.StatusBadRequest,
	ExpiredOtp:        http.StatusBadRequest,
	WrongOtp:          http.StatusBadRequest,
	TooManyTries:      http.StatusTooManyRequests,
	AlreadyExists:     http.StatusConflict,
	BelongsToAnother:  http.StatusConflict,
	CardNotFound:      http.StatusNotFound,
	InsufficientFunds: http.StatusPaymentRequired,
	CardBlocked:       http.StatusForbidden,
	ExpiredChallenge:  http.StatusBadRequest,
	WrongChallenge:    http.StatusBadRequest,
	OwnershipConflict: http.StatusConflict,
	GatewayError:      http.StatusBadGateway,
	BadCredentials:    http.StatusUnauthorized,
	NotFound:          http.StatusNotFound,
	Internal:          http.StatusInternalServerError,
}

var messages = map[string]map[Kind]string{
	"en": {
		MissingToken:      "Authorization token is required",
		InvalidToken:      "Session is not valid, please log in again",
		ExpiredToken:      "Session has expired, please log in again",
		NotAllowed:        "You are not allowed to perform this action",
		TryAgainAfter:     "Too many attempts, try again later",
		UserBlocked:       "Account is temporarily blocked, try again later",
		InvalidRequest:    "Request is not valid",
		ExpiredOtp:        "Verification code has expired",
		WrongOtp:          "Verification code is wrong",
		TooManyTries:      "Too many wrong codes, request a new one",
		AlreadyExists:     "Already exists",
		BelongsToAnother:  "Card is linked to another account",
		CardNotFound:      "Card not found",
		InsufficientFunds: "Insufficient funds on the card",
		CardBlocked:       "Card is blocked",
		ExpiredChallenge:  "Confirmation has expired",
		WrongChallenge:    "Confirmation is wrong",
		OwnershipConflict: "Card owner does not match",
		GatewayError:      "Payment system is unavailable",
		BadCredentials:    "Wrong login or password",
		NotFound:          "Not found",
		Internal:          "Internal server error",
	},
	"ru": {
		MissingToken:      "Требуется токен авторизации",
		InvalidToken:      "Сессия недействительна, войдите снова",
		ExpiredToken:      "Сессия истекла, войдите снова",
		NotAllowed:        "Действие запрещено",
		TryAgainAfter:     "Слишком много попыток, повторите позже",
		UserBlocked:       "Аккаунт временно заблокирован, повторите позже",
		InvalidRequest:    "Некорректный запрос",
		ExpiredOtp:        "Срок действия кода истёк",
		WrongOtp:          "Неверный код подтверждения",
		TooManyTries:      "Слишком много неверных кодов, запросите новый",
		AlreadyExists:     "Уже существует",
		BelongsToAnother:  "Карта привязана к другому аккаунту",
		CardNotFound:      "Карта не найдена",
		InsufficientFunds: "Недостаточно средств на карте",
		CardBlocked:       "Карта заблокирована",
		ExpiredChallenge:  "Срок подтверждения истёк",
		WrongChallenge:    "Неверное подтверждение",
		OwnershipConflict: "Владелец карты не совпадает",
		GatewayError:      "Платёжная система недоступна",
		BadCredentials:    "Неверный логин или пароль",
		NotFound:          "Не найдено",
		Internal:          "Внутренняя ошибка сервера",
	},
}

// DefaultLang is used when the requested language has no catalogue.
const DefaultLang = "en"

// Status maps a kind to its HTTP status.  Unknown kinds are 500.
func Status(kind Kind) int {
	if s, ok := statuses[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Message looks up the localized text for kind.  lang may be a raw
// Accept-Language header value; only the primary tag is considered.
func Message(kind Kind, lang string) string {
	lang = primaryLang(lang)
	cat, ok := messages[lang]
	if !ok {
		cat = messages[DefaultLang]
	}
	if m, ok := cat[kind]; ok {
		return m
	}
	return messages[DefaultLang][Internal]
}

func primaryLang(header string) string {
	if header == "" {
		return DefaultLang
	}
	tag := strings.TrimSpace(strings.Split(header, ",")[0])
	tag = strings.Split(tag, ";")[0]
	tag = strings.Split(tag, "-")[0]
	return strings.ToLower(tag)
}
