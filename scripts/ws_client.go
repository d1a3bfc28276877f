// Package main tails the delivery stream of one webhook subscription.
//
//	go run ./scripts -webhook <id> -token <owner or JWT> [-event push]
//
// With -event set it also posts a test event so deliveries show up.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	host := flag.String("host", "localhost:"+port, "API host:port")
	webhookID := flag.String("webhook", "", "subscription id to follow")
	token := flag.String("token", "", "bearer token (an owner id in dev auth mode)")
	event := flag.String("event", "", "post a test event of this kind after connecting")
	repo := flag.String("repo", "", "repository for the test event")
	wait := flag.Duration("wait", 0, "exit after this long (0 waits for Ctrl-C)")
	flag.Parse()
	if *webhookID == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/api/webhooks/configs/" + *webhookID + "/deliveries/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+*token)
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Data))
		}
	}()

	if *event != "" {
		time.Sleep(200 * time.Millisecond)
		if err := postEvent(*host, *token, *event, *repo); err != nil {
			log.Printf("post event: %v", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	var timeout <-chan time.Time
	if *wait > 0 {
		timeout = time.After(*wait)
	}
	select {
	case <-done:
	case <-interrupt:
	case <-timeout:
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func postEvent(host, token, kind, repo string) error {
	body, _ := json.Marshal(map[string]any{"kind": kind, "repository": repo, "payload": map[string]any{"source": "ws_client"}})
	req, _ := http.NewRequest(http.MethodPost, "http://"+host+"/api/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var d map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&d)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("HTTP %d: %v", resp.StatusCode, d)
	}
	log.Printf("dispatch: %v", d)
	return nil
}
