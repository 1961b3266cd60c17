package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"gavel/engine"
)

// ArchiveOperator 將結算紀錄歸檔到S3相容的物件儲存，
// 作為引擎記憶體狀態之外的稽核底稿。
type ArchiveOperator struct {
	// Client 是 S3 客戶端。
	Client *s3.Client
	// Bucket 是 S3 存儲桶的名稱。
	Bucket string
	// PublicEndpoint 是 S3 存儲桶的公開 Endpoint。
	PublicEndpoint *url.URL
}

func NewArchiveOperator(client *s3.Client, bucket, publicBaseURL string) (*ArchiveOperator, error) {
	const op = "NewArchiveOperator"
	publicEndpoint, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
	}
	return &ArchiveOperator{Client: client, Bucket: bucket, PublicEndpoint: publicEndpoint}, nil
}

// SettlementRecordKey 返回指定拍賣的結算紀錄物件鍵。
func SettlementRecordKey(auctionID uuid.UUID) string {
	return path.Join("settlements", auctionID.String()+".json")
}

// PublicURL 返回指定物件鍵的公開存取URL。
func (o *ArchiveOperator) PublicURL(key string) string {
	uri := *o.PublicEndpoint
	uri.Path = path.Join(uri.Path, key)
	return uri.String()
}

// StoreSettlementRecord 將結算結果以JSON形式上傳，並返回公開URL。
// 同一場拍賣重複上傳會覆蓋舊紀錄，所以結算收斂後重跑是安全的。
func (o *ArchiveOperator) StoreSettlementRecord(ctx context.Context, auctionID uuid.UUID, result *engine.SettlementResult) (string, error) {
	const op = "StoreSettlementRecord"
	content, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to marshal settlement record, err=%w", op, err)
	}
	key := SettlementRecordKey(auctionID)
	_, err = o.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload settlement record, err=%w", op, err)
	}
	return o.PublicURL(key), nil
}
