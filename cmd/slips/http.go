package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// apiError is a non-2xx answer from the coordinator API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned HTTP %d: %s", e.Status, e.Body)
}

func apiCall(method, url string, payload []byte, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "slips/"+version)

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response of %s: %w", url, err)
	}
	if resp.StatusCode/100 != 2 {
		return data, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func apiGet(url string, timeout time.Duration) ([]byte, error) {
	return apiCall(http.MethodGet, url, nil, timeout)
}

func apiPost(url string, payload []byte, timeout time.Duration) ([]byte, error) {
	return apiCall(http.MethodPost, url, payload, timeout)
}

// isConnectionError reports whether err means nothing is listening at the
// API address, as opposed to the API answering with an error.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
