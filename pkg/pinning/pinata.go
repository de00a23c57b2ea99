package pinning

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
)

const pinJSONPath = "/pinning/pinJSONToIPFS"

type PinataConfig struct {
	BaseUrl string
	JWT     string
}

// PinataClient pins documents through Pinata's pinJSONToIPFS API.
type PinataClient struct {
	config  *PinataConfig
	client  *transport.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ IPinningService = (*PinataClient)(nil)

func NewPinataClient(config *PinataConfig, client *transport.Client, m *metrics.Metrics, logger *zap.Logger) *PinataClient {
	return &PinataClient{
		config:  config,
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinJSONRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinataMetadata  `json:"pinataMetadata"`
}

type pinJSONResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

func (p *PinataClient) PinJSON(ctx context.Context, name string, document []byte) (string, error) {
	if !json.Valid(document) {
		return "", fmt.Errorf("%w: document is not valid JSON", ErrPinFailed)
	}

	resp, err := p.client.PostJSON(ctx, p.config.BaseUrl, pinJSONPath,
		map[string]string{"Authorization": "Bearer " + p.config.JWT},
		&pinJSONRequest{
			PinataContent:  document,
			PinataMetadata: pinataMetadata{Name: name},
		},
	)
	if err != nil {
		p.observe("error")
		return "", fmt.Errorf("%w: %v", ErrPinFailed, err)
	}
	if !resp.IsSuccess() {
		p.observe("rejected")
		return "", fmt.Errorf("%w: pinata returned %d: %s", ErrPinFailed, resp.StatusCode, string(resp.Body))
	}

	var result pinJSONResponse
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		p.observe("error")
		return "", fmt.Errorf("%w: invalid pinata response: %v", ErrPinFailed, err)
	}
	if result.IpfsHash == "" {
		p.observe("error")
		return "", fmt.Errorf("%w: pinata response has no IpfsHash", ErrPinFailed)
	}

	p.observe("success")
	p.logger.Sugar().Infow("Pinned document",
		"name", name,
		"ipfsHash", result.IpfsHash,
		"size", result.PinSize,
	)
	return result.IpfsHash, nil
}

func (p *PinataClient) observe(result string) {
	if p.metrics != nil {
		p.metrics.PinRequests.WithLabelValues(result).Inc()
	}
}
