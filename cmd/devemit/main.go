// Command devemit is a local helper that signs fake channel.cheer deliveries
// and verification challenges and posts them to a running cheerfx webhook
// endpoint.
package main

import (
	"bytes"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/you/cheerfx/internal/httpapi"
	"github.com/you/cheerfx/internal/store"
	"github.com/you/cheerfx/internal/webhook"
)

type emitReq struct {
	MessageID         string `json:"message_id,omitempty"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserLogin         string `json:"user_login,omitempty"`
	UserName          string `json:"user_name,omitempty"`
	Anonymous         bool   `json:"is_anonymous,omitempty"`
	Message           string `json:"message"`
	Bits              int    `json:"bits"`
}

type delivery struct {
	Challenge    string                `json:"challenge,omitempty"`
	Subscription webhook.Subscription  `json:"subscription"`
	Event        *webhook.CheerPayload `json:"event,omitempty"`
}

var devSubscription = webhook.Subscription{
	ID:      "devemit",
	Type:    webhook.SubscriptionTypeCheer,
	Version: "1",
	Status:  "enabled",
}

// send signs body as an EventSub delivery of msgType and returns the
// target's status and (truncated) response body.
func send(r *http.Request, client *http.Client, target, secret, msgType, messageID string, body []byte) (int, string, error) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	out, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(webhook.HeaderMessageID, messageID)
	out.Header.Set(webhook.HeaderTimestamp, ts)
	out.Header.Set(webhook.HeaderMessageType, msgType)
	out.Header.Set(webhook.HeaderSignature, webhook.SignEventSub(secret, messageID, ts, body))

	resp, err := client.Do(out)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(respBody), nil
}

func writeResult(w http.ResponseWriter, messageID string, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message_id": messageID,
		"status":     status,
		"body":       body,
	})
}

func main() {
	var (
		addr   string
		target string
		secret string
		sqlite string
	)

	flag.StringVar(&addr, "addr", ":8766", "HTTP listen address")
	flag.StringVar(&target, "target", "http://localhost:8080/webhooks/twitch", "cheerfx webhook URL")
	flag.StringVar(&secret, "secret", os.Getenv("CHEERFX_TWITCH_WEBHOOK_SECRET"), "EventSub webhook secret")
	flag.StringVar(&sqlite, "db", "", "Optional cheerfx SQLite path for GET /events")
	flag.Parse()

	if secret == "" {
		log.Fatal("devemit: -secret or CHEERFX_TWITCH_WEBHOOK_SECRET is required")
	}

	var db *store.SQLiteStore
	if sqlite != "" {
		s, err := store.OpenSQLite(sqlite)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer s.Close()
		db = s
	}

	client := &http.Client{Timeout: 10 * time.Second}
	log.Printf("devemit listening on %s (target=%s)", addr, target)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.BroadcasterUserID == "" || req.Bits < 0 {
			http.Error(w, "broadcaster_user_id required, bits must be >= 0", http.StatusBadRequest)
			return
		}
		if req.MessageID == "" {
			req.MessageID = uuid.NewString()
		}

		body, err := json.Marshal(delivery{
			Subscription: devSubscription,
			Event: &webhook.CheerPayload{
				BroadcasterUserID: req.BroadcasterUserID,
				UserLogin:         req.UserLogin,
				UserName:          req.UserName,
				IsAnonymous:       req.Anonymous,
				Message:           req.Message,
				Bits:              req.Bits,
			},
		})
		if err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		status, respBody, err := send(r, client, target, secret, webhook.MessageTypeNotification, req.MessageID, body)
		if err != nil {
			http.Error(w, "deliver failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		writeResult(w, req.MessageID, status, respBody)
	})

	mux.HandleFunc("POST /challenge", func(w http.ResponseWriter, r *http.Request) {
		challenge := uuid.NewString()
		body, err := json.Marshal(delivery{Challenge: challenge, Subscription: devSubscription})
		if err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		messageID := uuid.NewString()
		status, respBody, err := send(r, client, target, secret, webhook.MessageTypeChallenge, messageID, body)
		if err != nil {
			http.Error(w, "deliver failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		if respBody != challenge {
			log.Printf("devemit: challenge not echoed (status=%d)", status)
		}
		writeResult(w, messageID, status, respBody)
	})

	mux.HandleFunc("GET /events/{broadcaster}", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "start with -db to list events", http.StatusNotFound)
			return
		}
		q, err := httpapi.EventQueryFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		list, err := db.QueryCheerEvents(r.Context(), r.PathValue("broadcaster"), q)
		if err != nil {
			http.Error(w, "list failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
