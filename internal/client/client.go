package client

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

type VaultInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	SubscriberCount int       `json:"subscriber_count"`
}

type FileContent struct {
	Path     string    `json:"path"`
	Content  string    `json:"content"`
	Modified time.Time `json:"modified"`
}

type WriteResult struct {
	Path     string    `json:"path"`
	Modified time.Time `json:"modified"`
	Created  bool      `json:"created,omitempty"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// ConflictError is returned when the server rejected a write and kept the
// submitted content at BackupPath.
type ConflictError struct {
	Path           string
	BackupPath     string
	ServerModified *time.Time
	Message        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict writing %s: content saved to %s", e.Path, e.BackupPath)
}

type errorBody struct {
	Error          string     `json:"error"`
	Code           string     `json:"code"`
	BackupPath     string     `json:"backup_path"`
	ServerModified *time.Time `json:"server_modified"`
}

func ListVaults(client *http.Client, baseURL, token string) ([]VaultInfo, error) {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}

	request, err := http.NewRequest(http.MethodGet, baseURL+"/api/vaults", nil)
	if err != nil {
		return nil, fmt.Errorf("build vaults request failed: %w", err)
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("vaults request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		message := readErrorMessage(response)
		return nil, &HTTPError{StatusCode: response.StatusCode, Message: message}
	}

	var vaults []VaultInfo
	if err := json.NewDecoder(response.Body).Decode(&vaults); err != nil {
		return nil, fmt.Errorf("decode vaults response: %w", err)
	}
	return vaults, nil
}

func ReadFile(client *http.Client, baseURL, token, vaultID, filePath string) (FileContent, error) {
	client = ensureClient(client)
	endpoint, err := fileURL(baseURL, vaultID, filePath)
	if err != nil {
		return FileContent{}, err
	}

	request, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return FileContent{}, fmt.Errorf("build read request failed: %w", err)
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return FileContent{}, fmt.Errorf("read request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		message := readErrorMessage(response)
		return FileContent{}, &HTTPError{StatusCode: response.StatusCode, Message: message}
	}

	var content FileContent
	if err := json.NewDecoder(response.Body).Decode(&content); err != nil {
		return FileContent{}, fmt.Errorf("decode file response: %w", err)
	}
	return content, nil
}

// WriteFile saves content with the modification token from the last read.
// A nil lastModified only succeeds when the file does not exist yet.
func WriteFile(client *http.Client, baseURL, token, vaultID, filePath, content string, lastModified *time.Time) (WriteResult, error) {
	client = ensureClient(client)
	endpoint, err := fileURL(baseURL, vaultID, filePath)
	if err != nil {
		return WriteResult{}, err
	}

	payload := struct {
		Content      string     `json:"content"`
		LastModified *time.Time `json:"last_modified,omitempty"`
	}{Content: content, LastModified: lastModified}
	body, err := json.Marshal(payload)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode write request: %w", err)
	}

	request, err := http.NewRequest(http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return WriteResult{}, fmt.Errorf("build write request failed: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return WriteResult{}, fmt.Errorf("write request failed: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var result WriteResult
		if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
			return WriteResult{}, fmt.Errorf("decode write response: %w", err)
		}
		return result, nil
	case http.StatusConflict:
		data, _ := io.ReadAll(response.Body)
		var payload errorBody
		if err := json.Unmarshal(data, &payload); err == nil && payload.Code == "conflict" {
			return WriteResult{}, &ConflictError{
				Path:           filePath,
				BackupPath:     payload.BackupPath,
				ServerModified: payload.ServerModified,
				Message:        payload.Error,
			}
		}
		return WriteResult{}, &HTTPError{StatusCode: response.StatusCode, Message: strings.TrimSpace(string(data))}
	default:
		message := readErrorMessage(response)
		return WriteResult{}, &HTTPError{StatusCode: response.StatusCode, Message: message}
	}
}

func fileURL(baseURL, vaultID, filePath string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return "", errors.New("base URL is required")
	}
	vaultID = strings.TrimSpace(vaultID)
	if vaultID == "" {
		return "", errors.New("vault id is required")
	}
	filePath = strings.Trim(strings.TrimSpace(filePath), "/")
	if filePath == "" {
		return "", errors.New("file path is required")
	}
	segments := strings.Split(filePath, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return baseURL + "/api/vaults/" + url.PathEscape(vaultID) + "/files/" + strings.Join(segments, "/"), nil
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(response.Body)
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload errorBody
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return text
}
