package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/media"
	"github.com/roach88/convsync/internal/protocol"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	list, err := s.engine.Conversations(r.Context(), user.ID)
	if err != nil {
		writeError(w, err, "", "")
		return
	}
	if list == nil {
		list = []ir.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	convID := mux.Vars(r)["id"]
	summary, err := s.engine.Summary(r.Context(), user.ID, convID)
	if err != nil {
		writeError(w, err, convID, "")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleMessages serves ?from=&to= ranges (from exclusive, to inclusive)
// and ?before=&limit= history pages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	convID := mux.Vars(r)["id"]
	q := r.URL.Query()

	params := make(map[string]int64, 4)
	for _, name := range []string{"from", "to", "before", "limit"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, fmt.Errorf("%w: %s must be a non-negative integer", protocol.ErrBadFrame, name), convID, "")
			return
		}
		params[name] = v
	}

	var (
		msgs []ir.Message
		err  error
	)
	_, hasFrom := params["from"]
	_, hasTo := params["to"]
	if hasFrom || hasTo {
		msgs, err = s.engine.Range(r.Context(), user.ID, convID, params["from"], params["to"])
	} else {
		limit := int(params["limit"])
		if limit == 0 {
			limit = s.opts.HistoryLimit
		}
		msgs, err = s.engine.History(r.Context(), user.ID, convID, params["before"], limit)
	}
	if err != nil {
		writeError(w, err, convID, "")
		return
	}
	if msgs == nil {
		msgs = []ir.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req protocol.Send
	if !decodeBody(w, r, &req) {
		return
	}
	req.ConversationID = mux.Vars(r)["id"]
	req.PeerID = ""

	msg, err := s.engine.Send(r.Context(), req.Draft(user.ID))
	if err != nil {
		writeError(w, err, req.ConversationID, req.ClientID)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.Sent{ClientID: req.ClientID, Message: msg})
}

func (s *Server) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req protocol.Send
	if !decodeBody(w, r, &req) {
		return
	}
	req.ConversationID = ""

	msg, err := s.engine.SendDirect(r.Context(), mux.Vars(r)["peer"], req.Draft(user.ID))
	if err != nil {
		writeError(w, err, "", req.ClientID)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.Sent{ClientID: req.ClientID, Message: msg})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req protocol.Ack
	if !decodeBody(w, r, &req) {
		return
	}
	req.ConversationID = mux.Vars(r)["id"]
	if err := req.Validate(); err != nil {
		writeError(w, err, req.ConversationID, "")
		return
	}

	cur, err := s.engine.Ack(r.Context(), user.ID, req.ConversationID, req.Kind, req.Sequence)
	if err != nil {
		writeError(w, err, req.ConversationID, "")
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

type createGroupRequest struct {
	Members []string `json:"members"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req createGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conv, err := s.engine.CreateGroup(r.Context(), user.ID, req.Members)
	if err != nil {
		writeError(w, err, "", "")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeJSON(w, http.StatusNotImplemented, protocol.Error{Code: protocol.CodeInternal, Message: "media uploads are not configured"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: multipart field \"file\": %v", protocol.ErrBadFrame, err), "", "")
		return
	}
	defer file.Close()

	var duration time.Duration
	if raw := r.FormValue("duration_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, fmt.Errorf("%w: duration_ms must be a non-negative integer", protocol.ErrBadFrame), "", "")
			return
		}
		duration = time.Duration(ms) * time.Millisecond
	}

	mime := header.Header.Get("Content-Type")
	ref, err := s.media.Upload(r.Context(), media.Upload{
		Name:     header.Filename,
		MimeType: mime,
		Size:     header.Size,
		Duration: duration,
		Body:     file,
	})
	if err != nil {
		writeError(w, err, "", "")
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrBadFrame, err), "", "")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Presence(mux.Vars(r)["participant"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrBadFrame, err), "", "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeError(w http.ResponseWriter, err error, convID, clientID string) {
	frame := protocol.ErrorFrom(err, convID, clientID)
	status := statusFor(err)

	switch {
	case errors.Is(err, media.ErrUnsupportedType), errors.Is(err, media.ErrTooLarge):
		frame.Code = string(engine.ErrCodeInvalidMessage)
		status = http.StatusBadRequest
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "conversation_id", convID, "error", err)
	}

	var rl *engine.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
	writeJSON(w, status, frame)
}

func statusFor(err error) int {
	if errors.Is(err, protocol.ErrBadFrame) {
		return http.StatusBadRequest
	}
	switch engine.CodeOf(err) {
	case engine.ErrCodeUnknownConversation:
		return http.StatusNotFound
	case engine.ErrCodeNotParticipant:
		return http.StatusForbidden
	case engine.ErrCodeInvalidMessage, engine.ErrCodeAckOutOfRange:
		return http.StatusBadRequest
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case engine.ErrCodeContention, engine.ErrCodeGapReplayFailure:
		return http.StatusServiceUnavailable
	case engine.ErrCodeHalted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
