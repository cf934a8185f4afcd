package objstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureStore publishes to an Azure Blob Storage container.
type AzureStore struct {
	client *azblob.Client
	loc    Location
}

// NewAzureStore creates an Azure store. A non-empty connectionString takes
// precedence over the default credential chain.
func NewAzureStore(loc Location, connectionString string) (*AzureStore, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure client from connection string: %w", err)
		}
		return &AzureStore{client: client, loc: loc}, nil
	}

	var credentials azcore.TokenCredential
	credentials, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("load Azure credentials: %w", err)
	}

	client, err := azblob.NewClient(serviceURL(loc.Account), credentials, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure client: %w", err)
	}
	return &AzureStore{client: client, loc: loc}, nil
}

// serviceURL accepts either a bare account name or a full blob endpoint.
func serviceURL(account string) string {
	if strings.Contains(account, ".blob.core.windows.net") {
		if strings.HasPrefix(account, "https://") {
			return account
		}
		return "https://" + account
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
}

// List returns logical keys under prefix.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	physical := listPrefix(s.loc.Prefix, prefix)
	pager := s.client.NewListBlobsFlatPager(s.loc.Bucket, &azblob.ListBlobsFlatOptions{
		Prefix: &physical,
	})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs in %s: %w", s, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			if key, ok := logicalKey(s.loc.Prefix, *item.Name); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// Put uploads localPath to key as a block blob.
func (s *AzureStore) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("open staged file: %w", err)}
	}
	defer f.Close()

	if _, err := s.client.UploadFile(ctx, s.loc.Bucket, joinKey(s.loc.Prefix, key), f, nil); err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: err}
	}
	return nil
}

func (s *AzureStore) String() string {
	return s.loc.String()
}

func (s *AzureStore) Close() error {
	return nil
}
