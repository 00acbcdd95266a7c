package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eurekahq/eureka/internal/requestlog"
)

// HandleListRequestLogs handles GET /api/v1/requestlogs.
// Query params: from, to (RFC3339Nano), limit, offset, session_id,
// user, repo, hash, machine_id, client_ip, net_ok, http_status.
func HandleListRequestLogs(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		f := requestlog.ListFilter{
			SessionID:     q.Get("session_id"),
			User:          q.Get("user"),
			Repo:          q.Get("repo"),
			WorkspaceHash: q.Get("hash"),
			MachineID:     q.Get("machine_id"),
			ClientIP:      q.Get("client_ip"),
			Limit:         pg.Limit,
			Offset:        pg.Offset,
		}

		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "from: invalid RFC3339 timestamp")
				return
			}
			f.After = t.UnixNano()
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "to: invalid RFC3339 timestamp")
				return
			}
			f.Before = t.UnixNano()
		}
		if f.After > 0 && f.Before > 0 && f.After >= f.Before {
			writeInvalidArgument(w, "from: must be before to")
			return
		}

		netOK, ok := parseStrictBoolQuery(w, r, "net_ok")
		if !ok {
			return
		}
		f.NetOK = netOK

		httpStatus, ok := parseBoundedIntQuery(w, r, "http_status", 100, 599, "http_status: must be in [100,599]")
		if !ok {
			return
		}
		f.HTTPStatus = httpStatus

		rows, err := repo.List(f)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}

		items := make([]logListItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, toLogListItem(row))
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"items":  items,
			"limit":  pg.Limit,
			"offset": pg.Offset,
		})
	})
}

// HandleGetRequestLog handles GET /api/v1/requestlogs/{log_id}.
func HandleGetRequestLog(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logID, ok := requireUUIDPathParam(w, r, "log_id", "log_id")
		if !ok {
			return
		}

		row, err := repo.GetByID(logID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if row == nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "not found")
			return
		}
		WriteJSON(w, http.StatusOK, toLogListItem(*row))
	})
}

func parseBoundedIntQuery(
	w http.ResponseWriter,
	r *http.Request,
	key string,
	min int,
	max int,
	errMsg string,
) (*int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		writeInvalidArgument(w, errMsg)
		return nil, false
	}
	return &n, true
}

func parseStrictBoolQuery(w http.ResponseWriter, r *http.Request, key string) (*bool, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	switch v {
	case "true":
		b := true
		return &b, true
	case "false":
		b := false
		return &b, true
	default:
		writeInvalidArgument(w, key+": must be true or false")
		return nil, false
	}
}

// --- Response types ---

type logListItem struct {
	ID         string `json:"id"`
	Ts         string `json:"ts"`
	ClientIP   string `json:"client_ip"`
	Country    string `json:"country"`
	SessionID  string `json:"session_id"`
	User       string `json:"user"`
	Repo       string `json:"repo"`
	Hash       string `json:"hash"`
	MachineID  string `json:"machine_id"`
	Host       string `json:"host"`
	HTTPMethod string `json:"http_method"`
	HTTPStatus int    `json:"http_status"`
	Path       string `json:"path"`
	DurationMs int64  `json:"duration_ms"`
	BytesIn    int64  `json:"bytes_in"`
	BytesOut   int64  `json:"bytes_out"`
	NetOK      bool   `json:"net_ok"`
	UserAgent  string `json:"user_agent"`
	Error      string `json:"error"`
}

func toLogListItem(s requestlog.LogSummary) logListItem {
	return logListItem{
		ID:         s.ID,
		Ts:         time.Unix(0, s.TsNs).UTC().Format(time.RFC3339Nano),
		ClientIP:   s.ClientIP,
		Country:    s.Country,
		SessionID:  s.SessionID,
		User:       s.User,
		Repo:       s.Repo,
		Hash:       s.WorkspaceHash,
		MachineID:  s.MachineID,
		Host:       s.Host,
		HTTPMethod: s.HTTPMethod,
		HTTPStatus: s.HTTPStatus,
		Path:       s.Path,
		DurationMs: s.DurationNs / 1e6,
		BytesIn:    s.BytesIn,
		BytesOut:   s.BytesOut,
		NetOK:      s.NetOK,
		UserAgent:  s.UserAgent,
		Error:      s.ErrorCode,
	}
}
