package admin

import (
	"time"

	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

type kickRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type banRequest struct {
	Kind      string     `json:"kind"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type unbanRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type announceRequest struct {
	Message string `json:"message"`
}

type actionResponse struct {
	Action   string `json:"action"`
	Target   string `json:"target"`
	Affected int    `json:"affected"`
}

type banResponse struct {
	Rule    store.BanRule `json:"rule"`
	Evicted int           `json:"evicted"`
}

type checkResponse struct {
	Banned bool           `json:"banned"`
	Rule   *store.BanRule `json:"rule,omitempty"`
}

type summaryResponse struct {
	Live          v1.StatsEvent `json:"live"`
	ActiveBans    int           `json:"activeBans"`
	ActivePlayers int           `json:"activePlayers"`
	At            time.Time     `json:"at"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}
