package handler

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"ridechat/internal/history"
	"ridechat/internal/metrics"
)

// GetGroupMessages handles GET /api/chat/driver/rides/messages/{groupId}
// グループの全メッセージを古い順に返す
func (h *Handler) GetGroupMessages(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(mux.Vars(r)["groupId"])
	log := h.Log.With().Str("group", groupID).Logger()
	log.Debug().Str("remote", r.RemoteAddr).Msg("[GET /messages] Request received")

	if groupID == "" {
		metrics.HistoryRequestsTotal.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, history.Response{Success: false, Message: "groupId is required"})
		return
	}

	msgList, err := h.Store.ListByGroup(r.Context(), groupID)
	if err != nil {
		log.Error().Err(err).Msg("[GET /messages] Database error")
		metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, history.Response{Success: false, Message: "Database error"})
		return
	}

	if len(msgList) == 0 {
		metrics.HistoryRequestsTotal.WithLabelValues("empty").Inc()
		writeJSON(w, http.StatusNotFound, history.Response{Success: false, Message: history.EmptyConversationMessage})
		return
	}

	log.Debug().Int("messages", len(msgList)).Msg("[GET /messages] Returned messages")
	metrics.HistoryRequestsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, history.Response{Success: true, Messages: msgList})
}
