package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	httpTimeout = 5 * time.Second

	errRoomNotFound = errors.New("room not found")
)

func apiCreateRoom(baseURL string) (string, error) {
	endpoint, err := httpEndpoint(baseURL, "/rooms", nil)
	if err != nil {
		return "", err
	}
	var resp createRoomResponse
	if err := doJSONRequest(http.MethodPost, endpoint, nil, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", errors.New("server returned no room id")
	}
	return resp.RoomID, nil
}

func apiRoomExists(baseURL, roomID string) (bool, error) {
	endpoint, err := httpEndpoint(baseURL, "/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return false, err
	}
	err = doJSONRequest(http.MethodGet, endpoint, nil, nil)
	if errors.Is(err, errRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

func apiTransfers(baseURL, roomID, clientID string) (map[string]int64, error) {
	endpoint, err := httpEndpoint(baseURL, "/rooms/"+url.PathEscape(roomID)+"/transfers", url.Values{"client_id": {clientID}})
	if err != nil {
		return nil, err
	}
	var resp transfersResponse
	if err := doJSONRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transfers, nil
}

func doJSONRequest(method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// normalizeServerURL accepts http(s) or ws(s) base URLs and returns the
// http form without a trailing slash or path.
func normalizeServerURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http", "https":
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", raw)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

func httpEndpoint(base, path string, query url.Values) (string, error) {
	parsed, err := normalizeServerURL(base)
	if err != nil {
		return "", err
	}
	parsed.Path = path
	if query != nil {
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func buildJoinURL(base, roomKey, clientID string) (string, error) {
	parsed, err := normalizeServerURL(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "https" {
		parsed.Scheme = "wss"
	} else {
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws/rooms/" + url.PathEscape(roomKey)
	parsed.RawQuery = url.Values{"client_id": {clientID}}.Encode()
	return parsed.String(), nil
}
