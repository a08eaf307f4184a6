// Package main runs a demo WebSocket client for batch events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	driverID := os.Getenv("DRIVER_ID")
	if driverID == "" {
		driverID = "drv-demo"
	}

	// Pick the nearest available deliveries.
	listReq, _ := http.NewRequest(http.MethodGet, base+"/v1/deliveries/available?lat=45.52&lng=-122.68", nil)
	listReq.Header.Set("X-Role", "driver")
	listReq.Header.Set("X-Driver-Id", driverID)
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = listResp.Body.Close() }()
	var page struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&page); err != nil {
		log.Fatal(err)
	}
	if len(page.Items) == 0 {
		log.Fatal("no available deliveries")
	}
	ids := []string{page.Items[0].ID}
	if len(page.Items) > 1 {
		ids = append(ids, page.Items[1].ID)
	}

	// Create a batch from them.
	body, _ := json.Marshal(map[string]any{"deliveryIds": ids})
	createReq, _ := http.NewRequest(http.MethodPost, base+"/v1/batches", bytes.NewReader(body))
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("X-Role", "driver")
	createReq.Header.Set("X-Driver-Id", driverID)
	createResp, err := http.DefaultClient.Do(createReq)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = createResp.Body.Close() }()
	var batch struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&batch); err != nil {
		log.Fatal(err)
	}
	if batch.ID == "" {
		log.Fatal("no batch returned")
	}
	log.Printf("Batch ID: %s", batch.ID)

	// Connect WS for live batch events.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/batches/" + batch.ID + "/ws"}
	hdr := http.Header{}
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Driver-Id", driverID)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			pl, _ := json.Marshal(m.Data)
			log.Printf("WS <- %s: %s", m.Type, string(pl))
		}
	}()

	// Trigger a route optimization to generate an event.
	time.Sleep(500 * time.Millisecond)
	optBody := []byte(`{"strategy":"balanced","location":{"lat":45.52,"lng":-122.68}}`)
	optReq, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/batches/%s/optimize", base, batch.ID), bytes.NewReader(optBody))
	optReq.Header.Set("Content-Type", "application/json")
	optReq.Header.Set("X-Role", "driver")
	optReq.Header.Set("X-Driver-Id", driverID)
	_, _ = http.DefaultClient.Do(optReq)

	// Wait briefly to receive a few messages.
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
