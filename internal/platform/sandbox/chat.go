package sandbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Images         []struct {
		Name      string `json:"name"`
		MediaType string `json:"media_type"`
		Data      []byte `json:"data"`
	} `json:"images"`
}

// crisisTerms are the phrases that flip the scripted risk classifier. The
// real classifier is a model; the sandbox only needs a deterministic trigger.
var crisisTerms = []string{"hopeless", "hurt myself", "end it"}

// handleChat streams a scripted assistant turn as server-sent events. The
// script covers the full event vocabulary so every client code path can be
// exercised against it: risk check, tool lifecycle, deltas, metadata, and the
// terminal message.
func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	emit := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		res.Flush()
		return nil
	}

	lower := strings.ToLower(req.Message)
	for _, term := range crisisTerms {
		if strings.Contains(lower, term) {
			return s.streamCrisisTurn(emit, convID)
		}
	}
	return s.streamRoutineTurn(emit, convID, req)
}

func (s *Server) streamRoutineTurn(emit func(string, interface{}) error, convID string, req chatRequest) error {
	if err := emit("risk_check", map[string]string{"level": "NONE"}); err != nil {
		return err
	}

	reply := "Thanks for the update. Based on what you describe, this sounds manageable; keep monitoring and let your doctor know if it changes."
	if strings.Contains(strings.ToLower(req.Message), "medication") {
		toolID := uuid.New().String()
		if err := emit("tool_start", map[string]string{
			"tool_id":   toolID,
			"tool_name": "medication_lookup",
		}); err != nil {
			return err
		}
		if err := emit("tool_end", map[string]string{
			"tool_id":        toolID,
			"tool_name":      "medication_lookup",
			"result_preview": "2 active prescriptions found",
		}); err != nil {
			return err
		}
		reply = "I checked your active prescriptions. Take the evening dose with food, and flag any new side effects to Dr. Osei."
	}
	if len(req.Images) > 0 {
		reply = "I can see the image you attached. " + reply
	}

	for _, word := range strings.SplitAfter(reply, " ") {
		if err := emit("text_delta", map[string]string{"text": word}); err != nil {
			return err
		}
	}
	if err := emit("metadata", map[string]interface{}{
		"conversation_id": convID,
		"risk_alert":      false,
	}); err != nil {
		return err
	}
	return emit("message_complete", map[string]interface{}{
		"content": reply,
		"risk":    map[string]string{"level": "NONE"},
	})
}

func (s *Server) streamCrisisTurn(emit func(string, interface{}) error, convID string) error {
	if err := emit("risk_check", map[string]string{
		"level":     "HIGH",
		"risk_type": "self_harm",
	}); err != nil {
		return err
	}

	reply := "I'm really glad you told me. You don't have to carry this alone; please reach out to your care team or a crisis line right now."
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := emit("text_delta", map[string]string{"text": word}); err != nil {
			return err
		}
	}
	if err := emit("metadata", map[string]interface{}{
		"conversation_id": convID,
		"risk_alert":      true,
	}); err != nil {
		return err
	}
	return emit("message_complete", map[string]interface{}{
		"content": reply,
		"risk":    map[string]string{"level": "HIGH", "risk_type": "self_harm"},
	})
}
