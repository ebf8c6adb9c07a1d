// Copyright 2025 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

const (
	clientIdleExpiry = 24 * time.Hour
	requestTimeout   = 30 * time.Second
)

// Client is the admin surface of one broker, used to hand a bundle back
// for re-placement or to split a hot bundle. The bundle range token is
// opaque here.
type Client interface {
	UnloadNamespaceBundle(ctx context.Context, namespace string, bundleRange string) error

	SplitNamespaceBundle(ctx context.Context, namespace string, bundleRange string) error
}

// ClientProvider hands out per-broker admin clients, cached by web
// address with an idle expiry.
type ClientProvider interface {
	io.Closer

	ForBroker(webAddr string) (Client, error)
}

type httpClientProvider struct {
	cache      *ristretto.Cache
	httpClient *http.Client
}

func NewHTTPClientProvider() (ClientProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create admin client cache")
	}
	return &httpClientProvider{
		cache: cache,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}, nil
}

func (p *httpClientProvider) ForBroker(webAddr string) (Client, error) {
	if cached, ok := p.cache.Get(webAddr); ok {
		p.cache.SetWithTTL(webAddr, cached, 1, clientIdleExpiry)
		return cached.(Client), nil
	}

	client := &httpClient{
		baseURL:    webAddr,
		httpClient: p.httpClient,
	}
	p.cache.SetWithTTL(webAddr, client, 1, clientIdleExpiry)
	return client, nil
}

func (p *httpClientProvider) Close() error {
	p.cache.Close()
	p.httpClient.CloseIdleConnections()
	return nil
}

type httpClient struct {
	baseURL    string
	httpClient *http.Client
}

func (c *httpClient) UnloadNamespaceBundle(ctx context.Context, namespace string, bundleRange string) error {
	return c.put(ctx, fmt.Sprintf("%s/admin/namespaces/%s/%s/unload", c.baseURL, namespace, bundleRange))
}

func (c *httpClient) SplitNamespaceBundle(ctx context.Context, namespace string, bundleRange string) error {
	return c.put(ctx, fmt.Sprintf("%s/admin/namespaces/%s/%s/split", c.baseURL, namespace, bundleRange))
}

func (c *httpClient) put(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "failed to build admin request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "admin request failed: %s", url)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return errors.Errorf("admin request %s failed with status %d", url, resp.StatusCode)
	}
	return nil
}
