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
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

const (
	maxRetries = 5
	minDelay   = time.Millisecond * 100
	maxDelay   = time.Second * 5
)

var tracer = otel.Tracer("github.com/sensorrig/rig/pkg/uploader")

type uploader interface {
	upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error)
}

// Observer receives upload results, typically a stats collector.
type Observer interface {
	OnUpload(outputType string, elapsed time.Duration, err error)
	OnBackupUsed(outputType string)
}

type Uploader struct {
	primary  uploader
	backup   uploader
	observer Observer
}

func New(conf, backup *config.StorageConfig, observer Observer) (*Uploader, error) {
	p, err := getUploader(conf)
	if err != nil {
		return nil, err
	}

	u := &Uploader{
		primary:  p,
		observer: observer,
	}

	if backup != nil {
		b, err := getUploader(backup)
		if err != nil {
			logger.Errorw("failed to create backup uploader", err)
		} else {
			u.backup = b
		}
	}

	return u, nil
}

func getUploader(conf *config.StorageConfig) (uploader, error) {
	switch {
	case conf == nil:
		return newLocalUploader("")
	case conf.S3 != nil:
		return newS3Uploader(conf.S3, conf.Prefix)
	case conf.GCP != nil:
		return newGCPUploader(conf.GCP, conf.Prefix)
	case conf.Azure != nil:
		return newAzureUploader(conf.Azure, conf.Prefix)
	default:
		return newLocalUploader(conf.Prefix)
	}
}

// Upload copies a finished recording to storage, falling back to the backup
// storage if the primary fails.
func (u *Uploader) Upload(
	ctx context.Context,
	localFilepath, storageFilepath string,
	outputType types.OutputType,
	deleteAfterUpload bool,
) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "Uploader.Upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("path", storageFilepath),
		attribute.String("type", string(outputType)),
	)

	start := time.Now()
	location, size, primaryErr := u.primary.upload(ctx, localFilepath, storageFilepath, outputType)
	if u.observer != nil {
		u.observer.OnUpload(string(outputType), time.Since(start), primaryErr)
	}

	if primaryErr == nil {
		if deleteAfterUpload {
			_ = os.Remove(localFilepath)
		}
		return location, size, nil
	}

	if u.backup != nil {
		location, size, backupErr := u.backup.upload(ctx, localFilepath, storageFilepath, outputType)
		if backupErr == nil {
			logger.Warnw("primary upload failed, used backup", primaryErr, "location", location)
			if u.observer != nil {
				u.observer.OnBackupUsed(string(outputType))
			}
			if deleteAfterUpload {
				_ = os.Remove(localFilepath)
			}
			return location, size, nil
		}

		span.RecordError(backupErr)
		return "", 0, fmt.Errorf("primary: %s\nbackup: %s", primaryErr.Error(), backupErr.Error())
	}

	span.RecordError(primaryErr)
	return "", 0, primaryErr
}
