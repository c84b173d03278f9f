// Package renter is a client for the storage daemon's renter HTTP API.
package renter

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/siasync/siasync/internal/utils"
	"github.com/siasync/siasync/internal/version"
)

const (
	pathFiles     = "/renter/files"
	pathDownloads = "/renter/downloads"
	pathUpload    = "/renter/upload/"
	pathDownload  = "/renter/download/"
	pathDelete    = "/renter/delete/"
	pathContracts = "/renter/contracts"
	pathConsensus = "/consensus"
	pathWallet    = "/wallet"
)

type Config struct {
	Address       string        // Address is required, host:port or a full URL
	Password      string        // Password is the daemon API password, optional
	RetryCount    int           // RetryCount applies to transport failures only
	RetryInterval time.Duration // RetryInterval between transport retries
	Timeout       time.Duration // Timeout per request, 0 keeps the req default
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrNoAddress
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return nil
}

func (c *Config) baseURL() string {
	if strings.HasPrefix(c.Address, "http://") || strings.HasPrefix(c.Address, "https://") {
		return strings.TrimRight(c.Address, "/")
	}
	return "http://" + strings.TrimRight(c.Address, "/")
}

// Client talks to one daemon instance.
type Client struct {
	client  *req.Client
	baseURL string
}

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := req.C().
		SetBaseURL(cfg.baseURL()).
		SetUserAgent(DaemonUserAgent).
		SetCommonHeader(HeaderDeviceID, utils.HWID).
		SetCommonHeader("X-SiaSync-Version", fmt.Sprintf("%s (%s/%s)", version.Version, runtime.GOOS, runtime.GOARCH)).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if cfg.RetryCount > 0 {
		client.SetCommonRetryCount(cfg.RetryCount).
			SetCommonRetryFixedInterval(cfg.RetryInterval)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.Password != "" {
		client.SetCommonBasicAuth("", cfg.Password)
	}

	return &Client{
		client:  client,
		baseURL: cfg.baseURL(),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Files lists every renter file whose sia path starts with prefix.
func (c *Client) Files(ctx context.Context, prefix string) ([]File, error) {
	var resp FilesResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get(pathFiles)

	if err := handleAPIError(res, err, "list files"); err != nil {
		return nil, err
	}

	if prefix == "" {
		return resp.Files, nil
	}

	dir := strings.TrimSuffix(prefix, "/") + "/"
	files := make([]File, 0, len(resp.Files))
	for _, f := range resp.Files {
		if strings.HasPrefix(f.SiaPath, dir) {
			files = append(files, f)
		}
	}
	return files, nil
}

// Downloads lists the renter's download queue, including finished entries.
func (c *Client) Downloads(ctx context.Context) ([]Download, error) {
	var resp DownloadsResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get(pathDownloads)

	if err := handleAPIError(res, err, "list downloads"); err != nil {
		return nil, err
	}
	return resp.Downloads, nil
}

// Upload starts an asynchronous upload of params.Source to params.SiaPath.
func (c *Client) Upload(ctx context.Context, params *UploadParams) error {
	siaPath, err := escapeSiaPath(params.SiaPath)
	if err != nil {
		return err
	}
	if params.DataPieces < 1 || params.ParityPieces < 1 {
		return ErrInvalidPieces
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("source", params.Source).
		SetQueryParam("datapieces", strconv.Itoa(params.DataPieces)).
		SetQueryParam("paritypieces", strconv.Itoa(params.ParityPieces)).
		Post(pathUpload + siaPath)

	return handleAPIError(res, err, "upload "+params.SiaPath)
}

// Download starts an asynchronous download of siaPath into destination.
func (c *Client) Download(ctx context.Context, siaPath, destination string) error {
	escaped, err := escapeSiaPath(siaPath)
	if err != nil {
		return err
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("destination", destination).
		SetQueryParam("async", "true").
		Get(pathDownload + escaped)

	return handleAPIError(res, err, "download "+siaPath)
}

// Delete removes siaPath from the renter.
func (c *Client) Delete(ctx context.Context, siaPath string) error {
	escaped, err := escapeSiaPath(siaPath)
	if err != nil {
		return err
	}

	res, err := c.client.R().
		SetContext(ctx).
		Post(pathDelete + escaped)

	return handleAPIError(res, err, "delete "+siaPath)
}

func (c *Client) Consensus(ctx context.Context) (*ConsensusInfo, error) {
	var resp ConsensusInfo
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get(pathConsensus)

	if err := handleAPIError(res, err, "consensus"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Wallet(ctx context.Context) (*WalletInfo, error) {
	var resp WalletInfo
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get(pathWallet)

	if err := handleAPIError(res, err, "wallet"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	var resp ContractsResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get(pathContracts)

	if err := handleAPIError(res, err, "contracts"); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

func (c *Client) Close() {
	c.client.GetClient().CloseIdleConnections()
}

// escapeSiaPath escapes each segment of a slash separated sia path.
func escapeSiaPath(siaPath string) (string, error) {
	trimmed := strings.Trim(siaPath, "/")
	if trimmed == "" {
		return "", ErrEmptySiaPath
	}
	segments := strings.Split(trimmed, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/"), nil
}
