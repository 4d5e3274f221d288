// Package httpclient is a thin wrapper over net/http for talking to an
// httpapi.Server, mirroring the teacher's client.ANNClient: a fixed
// `methods` struct of named endpoints plus a MakeRequest helper.
package httpclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Config holds the constants needed to initiate a Client.
type Config struct {
	ServerAddress string
	Timeout       time.Duration
}

type methods struct {
	HealthCheck string
	Objects     string
	BuildVocab  string
	CheckBuild  string
	Detect      string
}

// Client performs custom HTTP requests against an httpapi.Server.
type Client struct {
	ServerAddress string
	Client        http.Client
	Methods       methods
}

// New creates a Client for the server at config.ServerAddress.
func New(config Config) Client {
	return Client{
		ServerAddress: config.ServerAddress,
		Client:        http.Client{Timeout: config.Timeout},
		Methods: methods{
			HealthCheck: config.ServerAddress + "/health",
			Objects:     config.ServerAddress + "/objects",
			BuildVocab:  config.ServerAddress + "/vocabulary/build",
			CheckBuild:  config.ServerAddress + "/vocabulary/status",
			Detect:      config.ServerAddress + "/detect",
		},
	}
}

// MakeRequest performs the request and, if target is non-nil, decodes
// the JSON response body into it.
func (c *Client) MakeRequest(method, url string, body io.Reader, contentType string, target interface{}) error {
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	resp, err := c.Client.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("httpclient: server returned %s", resp.Status)
	}
	if target != nil {
		return json.NewDecoder(resp.Body).Decode(target)
	}
	return nil
}

func multipartImage(field, filename string, data []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// HealthCheck pings the server's liveness endpoint.
func (c *Client) HealthCheck() error {
	return c.MakeRequest(http.MethodGet, c.Methods.HealthCheck, nil, "", nil)
}

// AddObject uploads an image as a new library object; if id > 0 it is
// requested explicitly (the server may still reassign on collision).
func (c *Client) AddObject(imageData []byte, filename string, id int) (int, error) {
	body, contentType, err := multipartImage("image", filename, imageData)
	if err != nil {
		return 0, err
	}
	url := c.Methods.Objects
	if id > 0 {
		url += "?id=" + strconv.Itoa(id)
	}
	var resp struct {
		ID           int  `json:"id"`
		IDReassigned bool `json:"idReassigned"`
	}
	if err := c.MakeRequest(http.MethodPost, url, body, contentType, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// RemoveObject removes the library object with the given id.
func (c *Client) RemoveObject(id int) error {
	url := c.Methods.Objects + "?id=" + strconv.Itoa(id)
	return c.MakeRequest(http.MethodDelete, url, nil, "", nil)
}

// BuildVocabulary triggers an asynchronous vocabulary rebuild.
func (c *Client) BuildVocabulary() error {
	return c.MakeRequest(http.MethodPost, c.Methods.BuildVocab, nil, "", nil)
}

// BuildStatus is the decoded /vocabulary/status response.
type BuildStatus struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// CheckBuildStatus returns the current vocabulary build status.
func (c *Client) CheckBuildStatus() (*BuildStatus, error) {
	target := &BuildStatus{}
	if err := c.MakeRequest(http.MethodGet, c.Methods.CheckBuild, nil, "", target); err != nil {
		return nil, err
	}
	return target, nil
}

// Detect runs a scene image through the server's detection pipeline
// and returns the raw decoded JSON response.
func (c *Client) Detect(imageData []byte, filename string) (map[string]interface{}, error) {
	body, contentType, err := multipartImage("image", filename, imageData)
	if err != nil {
		return nil, err
	}
	target := map[string]interface{}{}
	if err := c.MakeRequest(http.MethodPost, c.Methods.Detect, body, contentType, &target); err != nil {
		return nil, err
	}
	return target, nil
}

var errEmptyAddress = errors.New("httpclient: server address must not be empty")

// Validate reports whether config is usable by New.
func (config Config) Validate() error {
	if config.ServerAddress == "" {
		return errEmptyAddress
	}
	return nil
}
