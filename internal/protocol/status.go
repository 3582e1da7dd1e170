package protocol

import (
	"strconv"
	"strings"
)

// StatusCode is the outcome carried in a response header (and folded from transport
// failures by typed RPC helpers).
type StatusCode int32

const (
	StatusOk StatusCode = iota
	StatusAuthorize
	StatusUnauthorize
	StatusNotFound
	StatusBadRequest
	StatusSessionExpired
	StatusNewest
	StatusOutOfDate
	StatusUnsupported
	StatusUnavailable
	StatusBlock
	StatusReject
	StatusSessionFull
	StatusConflict
	StatusConnectionError
	StatusTimeout
	StatusNullValue
	StatusTaskCancel
	StatusUnknown
	StatusHeaderNull
	StatusAccept
)

var statusNames = [...]string{
	StatusOk:              "Ok",
	StatusAuthorize:       "Authorize",
	StatusUnauthorize:     "Unauthorize",
	StatusNotFound:        "NotFound",
	StatusBadRequest:      "BadRequest",
	StatusSessionExpired:  "SessionExpired",
	StatusNewest:          "Newest",
	StatusOutOfDate:       "OutOfDate",
	StatusUnsupported:     "Unsupported",
	StatusUnavailable:     "Unavailable",
	StatusBlock:           "Block",
	StatusReject:          "Reject",
	StatusSessionFull:     "SessionFull",
	StatusConflict:        "Conflict",
	StatusConnectionError: "ConnectionError",
	StatusTimeout:         "Timeout",
	StatusNullValue:       "NullValue",
	StatusTaskCancel:      "TaskCancel",
	StatusUnknown:         "Unknown",
	StatusHeaderNull:      "HeaderNull",
	StatusAccept:          "Accept",
}

func (s StatusCode) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "StatusCode(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the defined codes.
func (s StatusCode) Valid() bool {
	return s >= StatusOk && s <= StatusAccept
}

// ParseStatusCode 解析状态码，支持数字与名称两种形式，无法识别时返回 StatusUnknown
func ParseStatusCode(v string) StatusCode {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if s := StatusCode(n); s.Valid() {
			return s
		}
		return StatusUnknown
	}
	for i, name := range statusNames {
		if strings.EqualFold(name, v) {
			return StatusCode(i)
		}
	}
	return StatusUnknown
}
