package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"github.com/bleepstore/bleepbackup/internal/codec"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

// OpenMetadata connects the configured metadata engine.
func (c MetadataConfig) OpenMetadata(ctx context.Context) (metadata.Engine, error) {
	switch c.Engine {
	case "memory":
		return metadata.NewMemoryEngine(), nil
	case "local":
		return metadata.NewLocalEngine(c.Local.RootDir, c.Local.CompactOnStartup)
	case "sqlite":
		return metadata.NewSQLiteEngine(c.SQLite.Path)
	case "dynamodb":
		return metadata.NewDynamoDBEngine(ctx, metadata.DynamoDBConfig{
			Table:       c.DynamoDB.Table,
			Region:      c.DynamoDB.Region,
			EndpointURL: c.DynamoDB.EndpointURL,
		})
	case "cosmos":
		return metadata.NewCosmosEngine(metadata.CosmosConfig{
			Endpoint:  c.Cosmos.Endpoint,
			MasterKey: c.Cosmos.MasterKey,
			Database:  c.Cosmos.Database,
			Container: c.Cosmos.Container,
		})
	case "firestore":
		return metadata.NewFirestoreEngine(ctx, metadata.FirestoreConfig{
			ProjectID:        c.Firestore.ProjectID,
			CredentialsFile:  c.Firestore.CredentialsFile,
			CollectionPrefix: c.Firestore.CollectionPrefix,
		})
	}
	return nil, fmt.Errorf("unknown metadata engine %q", c.Engine)
}

func (c TierConfig) azureAccountURL() string {
	if c.AzureAccountURL != "" {
		return c.AzureAccountURL
	}
	if c.AzureAccount != "" {
		return fmt.Sprintf("https://%s.blob.core.windows.net", c.AzureAccount)
	}
	return ""
}

// OpenStorage connects the configured file storage backend.
func (c TierConfig) OpenStorage(ctx context.Context) (storage.FileStorage, error) {
	switch c.Backend {
	case "memory":
		return storage.NewMemoryStorage(c.QuotaBytes), nil
	case "local":
		return storage.NewLocalStorage(c.RootDir)
	case "sqlite":
		if c.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
		return storage.NewSQLiteStorage(c.SQLitePath, c.QuotaBytes)
	case "aws":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          c.AWSBucket,
			Region:          c.AWSRegion,
			Prefix:          c.AWSPrefix,
			EndpointURL:     c.AWSEndpointURL,
			UsePathStyle:    c.AWSUsePathStyle,
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: c.AWSSecretAccessKey,
			QuotaBytes:      c.QuotaBytes,
		})
	case "azure":
		return storage.NewAzureStorage(ctx, storage.AzureConfig{
			Container:          c.AzureContainer,
			AccountURL:         c.azureAccountURL(),
			Prefix:             c.AzurePrefix,
			ConnectionString:   c.AzureConnectionString,
			UseManagedIdentity: c.AzureUseManagedIdentity,
			QuotaBytes:         c.QuotaBytes,
		})
	case "gcp":
		return storage.NewGCSStorage(ctx, storage.GCSConfig{
			Bucket:          c.GCPBucket,
			Project:         c.GCPProject,
			Prefix:          c.GCPPrefix,
			CredentialsFile: c.GCPCredentialsFile,
			QuotaBytes:      c.QuotaBytes,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
}

// OpenLeaser connects the configured lease medium. A SQLite lease table
// shares the metadata database when the metadata engine is SQLite and no
// separate path is set.
func (c LockConfig) OpenLeaser(ctx context.Context, engine metadata.Engine, clk clock.Clock) (lock.Leaser, error) {
	switch c.Backend {
	case "memory":
		return lock.NewMemoryLeaser(clk), nil
	case "sqlite":
		db, ok := engine.(*metadata.SQLiteEngine)
		if c.SQLite.Path == "" && !ok {
			return nil, fmt.Errorf("lock.sqlite.path is required unless the metadata engine is sqlite")
		}
		if c.SQLite.Path != "" {
			var err error
			if db, err = metadata.NewSQLiteEngine(c.SQLite.Path); err != nil {
				return nil, err
			}
		}
		return lock.NewSQLiteLeaser(ctx, db.DB(), clk)
	case "dynamodb":
		if c.DynamoDB.Table == "" {
			return nil, fmt.Errorf("lock.dynamodb.table is required")
		}
		engine, err := metadata.NewDynamoDBEngine(ctx, metadata.DynamoDBConfig{
			Table:       c.DynamoDB.Table,
			Region:      c.DynamoDB.Region,
			EndpointURL: c.DynamoDB.EndpointURL,
		})
		if err != nil {
			return nil, err
		}
		return lock.NewDynamoDBLeaser(engine.Client(), engine.TableName(), clk), nil
	case "azure":
		client, err := storage.NewAzureClient(c.Azure.AccountURL, c.Azure.ConnectionString, c.Azure.UseManagedIdentity)
		if err != nil {
			return nil, err
		}
		return lock.NewAzureLeaser(client.ServiceClient().NewContainerClient(c.Azure.Container), c.Azure.Prefix), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", c.Backend)
}

// Codecs builds the codec factory from the compression and encryption
// settings.
func (c *Config) Codecs(logger *slog.Logger) (*codec.Factory, error) {
	compression, err := codec.ParseCompression(c.Compression.Codec)
	if err != nil {
		return nil, err
	}
	var encryption codec.StreamCodec
	if c.Encryption != nil {
		aes, err := codec.NewAESCodec(*c.Encryption)
		if err != nil {
			return nil, err
		}
		encryption = aes
		logging.OrDiscard(logger).Info("Chunk encryption enabled", "key_length", c.Encryption.Length)
	}
	return codec.NewFactory(compression, encryption, c.Compression.FileExtensions)
}
