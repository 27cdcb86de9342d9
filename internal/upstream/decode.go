package upstream

import (
	"encoding/json"
	"time"

	"github.com/vigil-net/vigil/internal/model"
)

// userPayload mirrors the control plane's user shape. Unknown fields are
// preserved through RawData on the decoded model.
type userPayload struct {
	UUID             string    `json:"uuid"`
	ShortUUID        string    `json:"shortUuid"`
	Username         string    `json:"username"`
	SubscriptionUUID string    `json:"subscriptionUuid"`
	TelegramID       int64     `json:"telegramId"`
	Email            string    `json:"email"`
	Status           string    `json:"status"`
	ExpireAt         time.Time `json:"expireAt"`
	TrafficLimit     int64     `json:"trafficLimitBytes"`
	UsedTraffic      int64     `json:"usedTrafficBytes"`
	HWIDDeviceLimit  int       `json:"hwidDeviceLimit"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DecodeUser maps a raw control-plane user into the local model, keeping
// the original payload for raw-data identity lookups.
func DecodeUser(raw json.RawMessage) (model.User, error) {
	var p userPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.User{}, &APIError{Code: CodeValidation, Message: "bad user payload: " + err.Error()}
	}
	return model.User{
		UUID:              p.UUID,
		ShortUUID:         p.ShortUUID,
		Username:          p.Username,
		SubscriptionUUID:  p.SubscriptionUUID,
		TelegramID:        p.TelegramID,
		Email:             p.Email,
		Status:            model.UserStatus(p.Status),
		ExpireAt:          p.ExpireAt,
		TrafficLimitBytes: p.TrafficLimit,
		UsedTrafficBytes:  p.UsedTraffic,
		HWIDDeviceLimit:   p.HWIDDeviceLimit,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		RawData:           raw,
	}, nil
}

type nodePayload struct {
	UUID         string    `json:"uuid"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	IsDisabled   bool      `json:"isDisabled"`
	IsConnected  bool      `json:"isConnected"`
	TrafficLimit int64     `json:"trafficLimitBytes"`
	TrafficUsed  int64     `json:"trafficUsedBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DecodeNode maps a raw control-plane node into the local model.
func DecodeNode(raw json.RawMessage) (model.Node, error) {
	var p nodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Node{}, &APIError{Code: CodeValidation, Message: "bad node payload: " + err.Error()}
	}
	return model.Node{
		UUID:              p.UUID,
		Name:              p.Name,
		Address:           p.Address,
		Port:              p.Port,
		IsDisabled:        p.IsDisabled,
		IsConnected:       p.IsConnected,
		TrafficLimitBytes: p.TrafficLimit,
		TrafficUsedBytes:  p.TrafficUsed,
		UpdatedAt:         p.UpdatedAt,
		RawData:           raw,
	}, nil
}

// ExtractUUID pulls the uuid field out of any entity payload.
func ExtractUUID(raw json.RawMessage) string {
	var p struct {
		UUID string `json:"uuid"`
	}
	if json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.UUID
}
