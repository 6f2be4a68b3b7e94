// Copyright 2023 LiveKit, Inc.
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

package uploader

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/types"
)

const storageScope = "https://www.googleapis.com/auth/devstorage.read_write"

type GCPUploader struct {
	conf   *config.GCPConfig
	prefix string
	client *storage.Client
}

func newGCPUploader(conf *config.GCPConfig, prefix string) (uploader, error) {
	u := &GCPUploader{
		conf:   conf,
		prefix: prefix,
	}

	var opts []option.ClientOption
	if conf.CredentialsJSON != "" {
		jwtConfig, err := google.JWTConfigFromJSON([]byte(conf.CredentialsJSON), storageScope)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(jwtConfig.TokenSource(context.Background())))
	}

	// the storage client picks up the default transport during construction
	defaultTransport := http.DefaultTransport.(*http.Transport)
	transportClone := defaultTransport.Clone()
	if conf.ProxyConfig != nil {
		proxy, err := proxyTransport(conf.ProxyConfig)
		if err != nil {
			return nil, err
		}
		http.DefaultTransport = proxy
	}
	c, err := storage.NewClient(context.Background(), opts...)

	// restore default transport
	http.DefaultTransport = transportClone
	if err != nil {
		return nil, err
	}

	u.client = c
	return u, nil
}

func (u *GCPUploader) upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error) {
	storageFilepath = path.Join(u.prefix, storageFilepath)

	file, err := os.Open(localFilepath)
	if err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}
	defer func() {
		_ = file.Close()
	}()

	stat, err := file.Stat()
	if err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	wc := u.client.Bucket(u.conf.Bucket).Object(storageFilepath).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    minDelay,
			Max:        maxDelay,
			Multiplier: 2,
		}),
		storage.WithMaxAttempts(maxRetries),
		storage.WithPolicy(storage.RetryAlways),
	).NewWriter(ctx)
	wc.ContentType = string(outputType)
	wc.ChunkRetryDeadline = 0

	if _, err = io.Copy(wc, file); err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	if err = wc.Close(); err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	return fmt.Sprintf("https://%s.storage.googleapis.com/%s", u.conf.Bucket, storageFilepath), stat.Size(), nil
}

func proxyTransport(conf *config.ProxyConfig) (*http.Transport, error) {
	proxyUrl, err := url.Parse(conf.Url)
	if err != nil {
		return nil, err
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = http.ProxyURL(proxyUrl)
	if conf.Username != "" && conf.Password != "" {
		auth := fmt.Sprintf("%s:%s", conf.Username, conf.Password)
		basicAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
		t.ProxyConnectHeader = http.Header{}
		t.ProxyConnectHeader.Add("Proxy-Authorization", basicAuth)
	}
	return t, nil
}

func proxyClient(conf *config.ProxyConfig) (*http.Client, error) {
	t, err := proxyTransport(conf)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}
