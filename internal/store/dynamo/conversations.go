package dynamo

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// Conversations implements store.ConversationStore.
type Conversations struct{ c *Client }

func (c *Client) Conversations() *Conversations { return &Conversations{c: c} }

func (cs *Conversations) GetOrCreate(ctx context.Context, k store.ConversationKey) (*store.Conversation, error) {
	ckey := "CKEY#" + k.String()
	if it, err := cs.c.get(ctx, "get conversation key", ckey, skKey); err == nil {
		return cs.byIDAttr(ctx, item(it))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ts := cs.c.now()
	conv := &store.Conversation{
		ID:             uuid.Must(uuid.NewV7()),
		TenantID:       k.TenantID,
		ConnectionID:   k.ConnectionID,
		ChatID:         k.ChatID,
		LastActivityAt: ts,
		CreatedAt:      ts,
	}
	id := conv.ID.String()
	_, err := cs.c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(cs.c.table),
				Item:                map[string]types.AttributeValue{"PK": s(ckey), "SK": s(skKey), "id": s(id)},
				ConditionExpression: aws.String(notExists),
			}},
			{Put: &types.Put{
				TableName:           aws.String(cs.c.table),
				Item:                conversationItem(conv),
				ConditionExpression: aws.String(notExists),
			}},
		},
	})
	if err == nil {
		return conv, nil
	}
	if !conditionFailed(err) {
		return nil, store.Unavailable("create conversation", err)
	}
	// Lost the race: read the winner.
	it, err := cs.c.get(ctx, "get conversation key", ckey, skKey)
	if err != nil {
		return nil, err
	}
	return cs.byIDAttr(ctx, item(it))
}

func (cs *Conversations) byIDAttr(ctx context.Context, it item) (*store.Conversation, error) {
	id, err := it.uuid("id")
	if err != nil {
		return nil, err
	}
	return cs.Get(ctx, id)
}

func (cs *Conversations) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	it, err := cs.c.get(ctx, "get conversation", convPK(id.String()), skMeta)
	if err != nil {
		return nil, err
	}
	return decodeConversation(item(it))
}

func (cs *Conversations) Touch(ctx context.Context, id uuid.UUID, preview string, at time.Time, reopen bool) error {
	at = at.UTC().Truncate(time.Millisecond)
	_, err := cs.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(cs.c.table),
		Key:                 key(convPK(id.String()), skMeta),
		UpdateExpression:    aws.String("SET preview = :p, lastActivity = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND lastActivity <= :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  s(preview),
			":at": n(at.UnixMilli()),
		},
	})
	if err != nil && !conditionFailed(err) {
		return store.Unavailable("touch conversation", err)
	}
	if !reopen {
		return nil
	}
	err = cs.setArchived(ctx, id, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (cs *Conversations) Archive(ctx context.Context, id uuid.UUID) error {
	return cs.setArchived(ctx, id, true)
}

func (cs *Conversations) setArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	_, err := cs.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(cs.c.table),
		Key:                       key(convPK(id.String()), skMeta),
		UpdateExpression:          aws.String("SET archived = :a"),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":a": &types.AttributeValueMemberBOOL{Value: archived}},
	})
	if conditionFailed(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return store.Unavailable("archive conversation", err)
	}
	return nil
}

func conversationItem(c *store.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           s(convPK(c.ID.String())),
		"SK":           s(skMeta),
		"id":           s(c.ID.String()),
		"tenantId":     s(c.TenantID),
		"connectionId": s(c.ConnectionID),
		"chatId":       s(c.ChatID),
		"preview":      s(c.Preview),
		"lastActivity": n(c.LastActivityAt.UnixMilli()),
		"archived":     &types.AttributeValueMemberBOOL{Value: c.Archived},
		"createdAt":    n(c.CreatedAt.UnixMilli()),
	}
}

func decodeConversation(it item) (*store.Conversation, error) {
	var e errs
	c := &store.Conversation{
		ID:             e.uuid(it, "id"),
		TenantID:       it.str("tenantId"),
		ConnectionID:   it.str("connectionId"),
		ChatID:         it.str("chatId"),
		Preview:        it.str("preview"),
		LastActivityAt: e.time(it, "lastActivity"),
		Archived:       it.bool("archived"),
		CreatedAt:      e.time(it, "createdAt"),
	}
	if e.err != nil {
		return nil, e.err
	}
	return c, nil
}
