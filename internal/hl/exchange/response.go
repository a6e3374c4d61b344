package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"hl-maker-bot/internal/gateway"
)

// Status is one per-order entry of an order or cancel response.
type Status struct {
	OrderID   int64
	Resting   bool
	Filled    bool
	TotalSize float64
	AveragePx float64
	Error     string
	Cloid     string
}

func (s Status) Err() error {
	if s.Error == "" {
		return nil
	}
	return &gateway.APIError{Message: s.Error}
}

type envelope struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusPayload struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type restingWire struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid"`
}

type filledWire struct {
	Oid     int64  `json:"oid"`
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Cloid   string `json:"cloid"`
}

type statusWire struct {
	Resting *restingWire `json:"resting"`
	Filled  *filledWire  `json:"filled"`
	Error   string       `json:"error"`
}

// ParseStatuses decodes an /exchange response body. A top-level "err" status
// becomes an *gateway.APIError; per-order errors stay in Status.Error.
func ParseStatuses(body []byte) ([]Status, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if env.Status != "ok" {
		var msg string
		if err := json.Unmarshal(env.Response, &msg); err != nil {
			msg = string(env.Response)
		}
		return nil, &gateway.APIError{Message: msg}
	}
	var payload statusPayload
	if err := json.Unmarshal(env.Response, &payload); err != nil {
		return nil, fmt.Errorf("decode exchange statuses: %w", err)
	}
	out := make([]Status, 0, len(payload.Data.Statuses))
	for _, raw := range payload.Data.Statuses {
		var plain string
		if json.Unmarshal(raw, &plain) == nil {
			// Cancels answer "success".
			if plain != "success" {
				out = append(out, Status{Error: plain})
			} else {
				out = append(out, Status{})
			}
			continue
		}
		var st statusWire
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		switch {
		case st.Error != "":
			out = append(out, Status{Error: st.Error})
		case st.Resting != nil:
			out = append(out, Status{OrderID: st.Resting.Oid, Resting: true, Cloid: st.Resting.Cloid})
		case st.Filled != nil:
			total, _ := strconv.ParseFloat(st.Filled.TotalSz, 64)
			avg, _ := strconv.ParseFloat(st.Filled.AvgPx, 64)
			out = append(out, Status{
				OrderID:   st.Filled.Oid,
				Filled:    true,
				TotalSize: total,
				AveragePx: avg,
				Cloid:     st.Filled.Cloid,
			})
		default:
			out = append(out, Status{})
		}
	}
	return out, nil
}
