package handlers

import (
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
)

const maxPageSize = 200

var errInvalidUID = errors.New("invalid uid")
var errInvalidHash = errors.New("invalid payment hash")

func parseUID(raw string) (int64, error) {
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid <= 0 {
		return 0, errInvalidUID
	}
	return uid, nil
}

func parsePaymentHash(raw string) (string, error) {
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 32 {
		return "", errInvalidHash
	}
	return raw, nil
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func page(query url.Values) (limit, offset int) {
	limit = parseInt(query.Get("limit"), 50)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, (parseInt(query.Get("page"), 1) - 1) * limit
}
