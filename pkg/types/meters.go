package types

import (
	"time"

	"github.com/gedebridge/gedebridge/pkg/normalize"
)

// Action is the human name of an order code.
type Action string

const (
	ActionDisconnect Action = "corte"
	ActionReconnect  Action = "reconexion"
)

// ActionForOrder returns the action of a B03 order code.
func ActionForOrder(order int) Action {
	if order == 0 {
		return ActionDisconnect
	}
	return ActionReconnect
}

// RelayStatus labels a relay state reported by a concentrator. It returns
// an empty string for unknown states.
func RelayStatus(state string) string {
	switch state {
	case "1":
		return "Conectado"
	case "0":
		return "Desconectado"
	default:
		return ""
	}
}

// CommandResult is the outcome of one report read or order against one
// meter.
type CommandResult struct {
	Address        string           `json:"address"`
	ConcentratorID int64            `json:"concentratorID"`
	BaseURL        string           `json:"baseURL"`
	Meter          string           `json:"meter"`
	Report         string           `json:"report"`
	Order          *int             `json:"order,omitempty"`
	ContentType    string           `json:"contentType"`
	Format         normalize.Format `json:"format"`
	Rows           []normalize.Row  `json:"rows"`
	Raw            string           `json:"raw"`
	RelayState     *string          `json:"relayState,omitempty"`
}

// Customer is the catalog entry of a meter.
type Customer struct {
	NIS  string `json:"nis,omitempty"`
	Name string `json:"name,omitempty"`
}

// BatchItem is the outcome of one meter in a massive order.
type BatchItem struct {
	NIS            *string `json:"nis"`
	Name           *string `json:"name"`
	Meter          string  `json:"meter"`
	MeterKey       int64   `json:"meterKey"`
	Action         Action  `json:"action"`
	RelayState     *string `json:"relayState"`
	Status         *string `json:"status"`
	OK             bool    `json:"ok"`
	Error          *string `json:"error"`
	Address        *string `json:"address"`
	ConcentratorID *int64  `json:"concentratorID"`
}

// BatchRun is a finished massive order.
type BatchRun struct {
	ID         string      `json:"id"`
	RequestID  int         `json:"requestID"`
	Order      int         `json:"order"`
	Action     Action      `json:"action"`
	ActionTime string      `json:"actionTime"`
	Priority   int         `json:"priority"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Items      []BatchItem `json:"items"`
}

// Totals returns the number of successful and failed items.
func (b BatchRun) Totals() (ok, failed int) {
	for _, it := range b.Items {
		if it.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// OrderRecord is the audit entry of one order sent to a concentrator.
type OrderRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	BatchID        string    `json:"batchID,omitempty"`
	RequestID      int       `json:"requestID"`
	Meter          string    `json:"meter"`
	ConcentratorID int64     `json:"concentratorID,omitempty"`
	Address        string    `json:"address,omitempty"`
	Order          int       `json:"order"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	RelayState     string    `json:"relayState,omitempty"`
}
