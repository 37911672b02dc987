package lock

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
)

// AzureLeaser uses native blob leases on empty marker blobs, one per key.
// Lease durations must lie between 15 and 60 seconds.
type AzureLeaser struct {
	container *container.Client
	prefix    string
}

func NewAzureLeaser(c *container.Client, prefix string) *AzureLeaser {
	return &AzureLeaser{container: c, prefix: prefix}
}

func (a *AzureLeaser) leaseClient(key, holder string) (*blockblob.Client, *lease.BlobClient, error) {
	bb := a.container.NewBlockBlobClient(a.prefix + key)
	lc, err := lease.NewBlobClient(bb, &lease.BlobClientOptions{LeaseID: to.Ptr(holder)})
	if err != nil {
		return nil, nil, fmt.Errorf("creating lease client: %w", err)
	}
	return bb, lc, nil
}

// ensureBlob creates the marker blob unless it exists already.
func (a *AzureLeaser) ensureBlob(ctx context.Context, bb *blockblob.Client) error {
	_, err := bb.UploadStream(ctx, bytes.NewReader(nil), &blockblob.UploadStreamOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err == nil ||
		bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return nil
	}
	return fmt.Errorf("creating lease blob: %w", err)
}

func (a *AzureLeaser) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	bb, lc, err := a.leaseClient(key, holder)
	if err != nil {
		return false, err
	}
	if err := a.ensureBlob(ctx, bb); err != nil {
		return false, err
	}
	_, err = lc.AcquireLease(ctx, int32(ttl/time.Second), nil)
	if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		return false, nil
	}
	return err == nil, err
}

// Renew extends the lease. Azure renews to the duration given at acquire.
func (a *AzureLeaser) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	_, lc, err := a.leaseClient(key, holder)
	if err != nil {
		return err
	}
	_, err = lc.RenewLease(ctx, nil)
	if bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation, bloberror.LeaseNotPresentWithLeaseOperation) {
		return ErrLeaseLost
	}
	return err
}

func (a *AzureLeaser) Release(ctx context.Context, key, holder string) error {
	_, lc, err := a.leaseClient(key, holder)
	if err != nil {
		return err
	}
	_, err = lc.ReleaseLease(ctx, nil)
	if bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation, bloberror.LeaseNotPresentWithLeaseOperation, bloberror.BlobNotFound) {
		return nil
	}
	return err
}

var _ Leaser = (*AzureLeaser)(nil)
