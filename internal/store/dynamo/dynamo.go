// Package dynamo stores conversations and messages in a single DynamoDB table.
//
// Layout (PK / SK):
//
//	CONV#<conversation id> / META               conversation
//	CONV#<conversation id> / M#<unix ms>#<id>   message, sorted for history
//	CKEY#<tenant|connection|chat> / KEY         conversation key -> id
//	MID#<message id> / REF                      message id -> message key
//	CLIENT#<client key> / REF                   client key -> message key
//	EXT#<connection>|<external id> / REF        transport id -> message key
//
// Uniqueness of keys is enforced with attribute_not_exists conditions inside
// one transaction, so concurrent inserts of the same key leave one row.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

const (
	skMeta     = "META"
	skKey      = "KEY"
	skRef      = "REF"
	skMsgPfx   = "M#"
	skMsgUpper = "M$" // first string above every M# sort key
	notExists  = "attribute_not_exists(PK)"
)

// API is the subset of the DynamoDB client used here.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is both store.ConversationStore (via Conversations) and
// store.MessageStore (via Messages) over one table.
type Client struct {
	api   API
	table string
	now   func() time.Time
}

func New(api API, table string) (*Client, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Client{
		api:   api,
		table: table,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// NewDynamoStores loads AWS credentials from the environment and returns stores
// backed by cfg.DynamoTable.
func NewDynamoStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c, err := New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Conversations: c.Conversations(),
		Messages:      c.Messages(),
		Close:         func() error { return nil },
	}, nil
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func n(v int64) types.AttributeValue { return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", v)} }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": s(pk), "SK": s(sk)}
}

func convPK(id string) string { return "CONV#" + id }

func msgSK(createdAt time.Time, id string) string {
	return fmt.Sprintf("%s%013d#%s", skMsgPfx, createdAt.UnixMilli(), id)
}

// conditionFailed reports whether err is a failed condition, alone or inside a
// cancelled transaction.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (c *Client) get(ctx context.Context, op, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	return out.Item, nil
}
