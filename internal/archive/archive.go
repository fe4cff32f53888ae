// Package archive persists completed import results for audit: the full
// result document goes to S3, a compact audit item goes to DynamoDB with a
// TTL. Archiving is best-effort and never fails an import.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/crm-backend/internal/dedupe"
)

// Archiver writes import audit records to AWS.
type Archiver struct {
	s3Client   *s3.Client
	dynamoDB   *dynamodb.Client
	bucket     string
	auditTable string
}

// auditItem is the DynamoDB record for one completed import.
type auditItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	ImportID  string `dynamodbav:"ImportID"`
	ActorID   string `dynamodbav:"ActorID"`
	Imported  int    `dynamodbav:"Imported"`
	Updated   int    `dynamodbav:"Updated"`
	Skipped   int    `dynamodbav:"Skipped"`
	Failed    int    `dynamodbav:"Failed"`
	S3Key     string `dynamodbav:"S3Key"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

// New creates an archiver in the given region; profile is optional.
func New(ctx context.Context, bucket, auditTable, region, profile string) (*Archiver, error) {
	var cfg aws.Config
	var err error
	if profile != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithSharedConfigProfile(profile),
		)
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Archiver{
		s3Client:   s3.NewFromConfig(cfg),
		dynamoDB:   dynamodb.NewFromConfig(cfg),
		bucket:     bucket,
		auditTable: auditTable,
	}, nil
}

// ArchiveResult stores one completed import: the full result JSON in S3
// under imports/<org>/<import-id>.json and the audit item in DynamoDB.
func (a *Archiver) ArchiveResult(ctx context.Context, orgID, importID, actorID string, result *dedupe.ImportResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal import result: %w", err)
	}

	key := fmt.Sprintf("imports/%s/%s.json", orgID, importID)
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put import result to S3: %w", err)
	}

	now := time.Now().UTC()
	item := auditItem{
		PK:        "IMPORT#" + orgID,
		SK:        now.Format("2006-01-02T15:04:05Z") + "#" + importID,
		ImportID:  importID,
		ActorID:   actorID,
		Imported:  result.Imported,
		Updated:   result.Updated,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
		S3Key:     key,
		Timestamp: now.Format(time.RFC3339),
		TTL:       now.Add(365 * 24 * time.Hour).Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal audit item: %w", err)
	}
	_, err = a.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.auditTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put audit item: %w", err)
	}
	return nil
}
