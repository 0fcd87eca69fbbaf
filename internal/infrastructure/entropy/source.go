// Package entropy provides EntropySource implementations. The draw engine
// only ever sees the interface, so tests inject fixed values and the
// reduction stays deterministic.
package entropy

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tronraffle/internal/domain/useCases"
)

// CryptoSource draws entropy from the local CSPRNG. The default when no
// external beacon is configured.
type CryptoSource struct{}

var _ useCases.EntropySource = CryptoSource{}

func (CryptoSource) RandomValue(_ context.Context) (uint64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read entropy: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// BeaconClient fetches one value per draw from an external randomness beacon
// over HTTP. The beacon response is expected as {"value": <uint64>}.
type BeaconClient struct {
	url  string
	http *http.Client
}

func NewBeaconClient(url string) *BeaconClient {
	return &BeaconClient{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ useCases.EntropySource = (*BeaconClient)(nil)

func (b *BeaconClient) RandomValue(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("beacon returned status %d", resp.StatusCode)
	}

	var payload struct {
		Value uint64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode beacon response: %w", err)
	}
	return payload.Value, nil
}
