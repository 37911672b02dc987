package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// maxAppendBlock is the largest block AppendBlock accepts.
const maxAppendBlock = 4 << 20

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// NewAzureClient builds an azblob client. If connectionString is non-empty, it
// uses connection string auth. If useManagedIdentity is true, it uses managed
// identity credentials. Otherwise it falls back to DefaultAzureCredential.
func NewAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*azblob.Client, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return client, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return client, nil
}

func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	client, err := NewAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, err
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) UploadStream(ctx context.Context, containerName, blobName string, body io.Reader) error {
	_, err := c.client.UploadStream(ctx, containerName, blobName, body, nil)
	return err
}

func (c *realAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) AppendBlock(ctx context.Context, containerName, blobName string, data []byte) error {
	ab := c.client.ServiceClient().NewContainerClient(containerName).NewAppendBlobClient(blobName)
	if _, err := ab.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), maxAppendBlock)
		body := streaming.NopCloser(bytes.NewReader(data[:n]))
		if _, err := ab.AppendBlock(ctx, body, nil); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]AzureBlobItem, error) {
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var items []AzureBlobItem
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			item := AzureBlobItem{Name: *b.Name}
			if b.Properties != nil && b.Properties.ContentLength != nil {
				item.Size = *b.Properties.ContentLength
			}
			items = append(items, item)
		}
	}
	return items, nil
}

var _ AzureBlobAPI = (*realAzureClient)(nil)
