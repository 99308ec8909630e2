// Copyright (c) DataStax, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// secretSource reads the payload of a secret version.
type secretSource interface {
	Access(ctx context.Context, name string) ([]byte, error)
	Close() error
}

type secretManagerSource struct {
	client *secretmanager.Client
}

func (s *secretManagerSource) Access(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}

func (s *secretManagerSource) Close() error {
	return s.client.Close()
}

var newSecretSource = func(ctx context.Context) (secretSource, error) {
	client, err := secretmanager.NewClient(ctx, option.WithUserAgent("cqlexec/"+releaseVersion))
	if err != nil {
		return nil, err
	}
	return &secretManagerSource{client: client}, nil
}

// resolvePassword fetches the cluster password from Secret Manager.
func resolvePassword(ctx context.Context, secret string) (string, error) {
	source, err := newSecretSource(ctx)
	if err != nil {
		return "", fmt.Errorf("unable to create secret manager client: %w", err)
	}
	defer source.Close()
	data, err := source.Access(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("unable to access secret %s: %w", secret, err)
	}
	return string(data), nil
}
