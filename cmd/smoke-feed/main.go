// smoke-feed drives one grant through a running warden instance and checks
// the polled whitelist feed reflects it: create, observe, revoke, observe.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"warden.gg/internal/auth"
)

func main() {
	log.SetFlags(0)

	base := os.Getenv("WARDEN_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	token := ""
	if auth.Enabled() {
		var err error
		token, err = auth.GenerateToken("smoke-feed", []string{auth.ScopeAdmin}, 5*time.Minute)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	gameID := uuid.NewString()

	grantBody := map[string]any{
		"game_account_id": gameID,
		"type":            "whitelist",
		"duration_unit":   "days",
		"duration_value":  1,
		"granted_by":      "smoke-feed",
		"reason":          "smoke test",
		"game_name":       "SmokeTester",
	}
	if err := postJSON(client, base+"/v1/grants", token, grantBody, http.StatusCreated); err != nil {
		log.Fatalf("create grant: %v", err)
	}

	feedText, err := getText(client, base+"/whitelist")
	if err != nil {
		log.Fatalf("poll whitelist: %v", err)
	}
	wantLine := "Admin=" + gameID + ":Whitelist"
	if !strings.Contains(feedText, wantLine) {
		log.Fatalf("feed missing %q after grant:\n%s", wantLine, feedText)
	}

	revokeBody := map[string]any{
		"game_account_id": gameID,
		"revoked_by":      "smoke-feed",
		"reason":          "smoke cleanup",
	}
	if err := postJSON(client, base+"/v1/grants/revoke", token, revokeBody, http.StatusOK); err != nil {
		log.Fatalf("revoke grant: %v", err)
	}

	feedText, err = getText(client, base+"/whitelist")
	if err != nil {
		log.Fatalf("poll whitelist after revoke: %v", err)
	}
	if strings.Contains(feedText, gameID) {
		log.Fatalf("feed still lists %s after revoke:\n%s", gameID, feedText)
	}

	fmt.Printf("smoke test passed: %s granted, served, revoked, dropped\n", gameID)
}

func postJSON(client *http.Client, url, token string, body any, wantStatus int) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, payload)
	}
	return nil
}

func getText(client *http.Client, url string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		return "", fmt.Errorf("%s: content-type %q", url, ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
