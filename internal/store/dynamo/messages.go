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

// Messages implements store.MessageStore.
type Messages struct{ c *Client }

func (c *Client) Messages() *Messages { return &Messages{c: c} }

func midPK(id uuid.UUID) string { return "MID#" + id.String() }

func clientPK(key string) string { return "CLIENT#" + key }

func extPK(connection, ext string) string { return "EXT#" + connection + "|" + ext }

func (ms *Messages) InsertIfAbsent(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.ClientKey == "" {
		return nil, false, errors.New("insert message: empty client key")
	}
	return ms.insert(ctx, msg, func() (*store.Message, error) { return ms.GetByClientKey(ctx, msg.ClientKey) })
}

func (ms *Messages) InsertInbound(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	return ms.insert(ctx, msg, func() (*store.Message, error) {
		return ms.GetByExternalID(ctx, msg.ConnectionID, msg.ExternalID)
	})
}

func (ms *Messages) insert(ctx context.Context, msg *store.Message, existing func() (*store.Message, error)) (*store.Message, bool, error) {
	row := *msg
	if row.ID == uuid.Nil {
		row.ID = uuid.Must(uuid.NewV7())
	}
	ts := ms.c.now()
	row.CreatedAt, row.UpdatedAt = ts, ts

	pk, sk := convPK(row.ConversationID.String()), msgSK(row.CreatedAt, row.ID.String())
	tx := []types.TransactWriteItem{
		ms.put(messageItem(&row, pk, sk)),
		ms.put(ref(midPK(row.ID), pk, sk)),
	}
	if row.ClientKey != "" {
		tx = append(tx, ms.put(ref(clientPK(row.ClientKey), pk, sk)))
	}
	if row.ExternalID != "" {
		tx = append(tx, ms.put(ref(extPK(row.ConnectionID, row.ExternalID), pk, sk)))
	}

	_, err := ms.c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx})
	if err == nil {
		return &row, true, nil
	}
	if !conditionFailed(err) {
		return nil, false, store.Unavailable("insert message", err)
	}
	prev, err := existing()
	if err != nil {
		return nil, false, err
	}
	return prev, false, nil
}

func (ms *Messages) put(it map[string]types.AttributeValue) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(ms.c.table),
		Item:                it,
		ConditionExpression: aws.String(notExists),
	}}
}

func ref(refPK, pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": s(refPK), "SK": s(skRef), "msgPK": s(pk), "msgSK": s(sk)}
}

// follow resolves a pointer item to the message key.
func (ms *Messages) follow(ctx context.Context, refPK string) (pk, sk string, err error) {
	it, err := ms.c.get(ctx, "get message ref", refPK, skRef)
	if err != nil {
		return "", "", err
	}
	return item(it).str("msgPK"), item(it).str("msgSK"), nil
}

func (ms *Messages) byRef(ctx context.Context, refPK string) (*store.Message, error) {
	pk, sk, err := ms.follow(ctx, refPK)
	if err != nil {
		return nil, err
	}
	it, err := ms.c.get(ctx, "get message", pk, sk)
	if err != nil {
		return nil, err
	}
	return decodeMessage(item(it))
}

func (ms *Messages) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	return ms.byRef(ctx, midPK(id))
}

func (ms *Messages) GetByClientKey(ctx context.Context, key string) (*store.Message, error) {
	return ms.byRef(ctx, clientPK(key))
}

func (ms *Messages) GetByExternalID(ctx context.Context, connectionID, externalID string) (*store.Message, error) {
	return ms.byRef(ctx, extPK(connectionID, externalID))
}

func (ms *Messages) ListByClientKeys(ctx context.Context, keys []string) (map[string]*store.Message, error) {
	out := make(map[string]*store.Message, len(keys))
	for _, k := range keys {
		m, err := ms.GetByClientKey(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = m
	}
	return out, nil
}

func (ms *Messages) AdvanceAck(ctx context.Context, id uuid.UUID, level store.AckLevel) (*store.Message, bool, error) {
	return ms.update(ctx, "advance ack", id,
		"SET ack = :lvl, #err = :e, updatedAt = :now", "ack < :lvl",
		map[string]types.AttributeValue{":lvl": n(int64(level)), ":e": s("")})
}

func (ms *Messages) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*store.Message, bool, error) {
	return ms.update(ctx, "mark failed", id,
		"SET ack = :lvl, #err = :e, updatedAt = :now", "ack <= :queued",
		map[string]types.AttributeValue{
			":lvl":    n(int64(store.AckFailed)),
			":e":      s(reason),
			":queued": n(int64(store.AckQueued)),
		})
}

// update applies a conditional update. A failed condition returns the current
// row with changed=false.
func (ms *Messages) update(ctx context.Context, op string, id uuid.UUID, expr, cond string, vals map[string]types.AttributeValue) (*store.Message, bool, error) {
	pk, sk, err := ms.follow(ctx, midPK(id))
	if err != nil {
		return nil, false, err
	}
	vals[":now"] = n(ms.c.now().UnixMilli())
	out, err := ms.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(ms.c.table),
		Key:                       key(pk, sk),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK) AND " + cond),
		ExpressionAttributeNames:  map[string]string{"#err": "error"},
		ExpressionAttributeValues: vals,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if conditionFailed(err) {
		cur, err := ms.Get(ctx, id)
		return cur, false, err
	}
	if err != nil {
		return nil, false, store.Unavailable(op, err)
	}
	m, err := decodeMessage(item(out.Attributes))
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (ms *Messages) SetExternalID(ctx context.Context, id uuid.UUID, externalID string) error {
	pk, sk, err := ms.follow(ctx, midPK(id))
	if err != nil {
		return err
	}
	out, err := ms.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(ms.c.table),
		Key:              key(pk, sk),
		UpdateExpression: aws.String("SET externalId = :x, updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":x":   s(externalID),
			":now": n(ms.c.now().UnixMilli()),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return store.Unavailable("set external id", err)
	}
	if externalID == "" {
		return nil
	}
	conn := item(out.Attributes).str("connectionId")
	_, err = ms.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(ms.c.table),
		Item:      ref(extPK(conn, externalID), pk, sk),
	})
	if err != nil {
		return store.Unavailable("set external id", err)
	}
	return nil
}

func (ms *Messages) History(ctx context.Context, conversationID uuid.UUID, opts store.HistoryOpts) (*store.HistoryPage, error) {
	limit := store.NormalizeHistoryLimit(opts)

	cond := "PK = :pk AND SK BETWEEN :lo AND :hi"
	vals := map[string]types.AttributeValue{
		":pk": s(convPK(conversationID.String())),
		":lo": s(skMsgPfx),
		":hi": s(skMsgUpper),
	}
	if opts.Before != "" {
		c, err := store.DecodeCursor(opts.Before)
		if err != nil {
			return nil, err
		}
		// Nothing in a conversation partition sorts below M#, so < is enough.
		cond = "PK = :pk AND SK < :before"
		vals = map[string]types.AttributeValue{
			":pk":     vals[":pk"],
			":before": s(msgSK(c.CreatedAt, c.ID.String())),
		}
	}

	out, err := ms.c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(ms.c.table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: vals,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit + 1)),
		ConsistentRead:            aws.Bool(true),
	})
	if err != nil {
		return nil, store.Unavailable("history", err)
	}
	rows := make([]store.Message, 0, len(out.Items))
	for _, it := range out.Items {
		m, err := decodeMessage(item(it))
		if err != nil {
			return nil, err
		}
		rows = append(rows, *m)
	}
	return store.PageFromNewestFirst(rows, limit), nil
}

// ListStale scans for queued outbound rows. It is only used by the periodic
// sweeper, so a filtered scan is acceptable.
func (ms *Messages) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error) {
	var (
		out   []store.Message
		start map[string]types.AttributeValue
	)
	for {
		page, err := ms.c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(ms.c.table),
			FilterExpression: aws.String("begins_with(SK, :m) AND direction = :out AND ack = :q AND createdAt < :t"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":m":   s(skMsgPfx),
				":out": s(string(store.DirectionOut)),
				":q":   n(int64(store.AckQueued)),
				":t":   n(olderThan.UnixMilli()),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, store.Unavailable("list stale", err)
		}
		for _, it := range page.Items {
			m, err := decodeMessage(item(it))
			if err != nil {
				return nil, err
			}
			out = append(out, *m)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func messageItem(m *store.Message, pk, sk string) map[string]types.AttributeValue {
	it := map[string]types.AttributeValue{
		"PK":             s(pk),
		"SK":             s(sk),
		"id":             s(m.ID.String()),
		"conversationId": s(m.ConversationID.String()),
		"connectionId":   s(m.ConnectionID),
		"chatId":         s(m.ChatID),
		"direction":      s(string(m.Direction)),
		"contentType":    s(string(m.ContentType)),
		"text":           s(m.Text),
		"mediaRef":       s(m.MediaRef),
		"fileName":       s(m.FileName),
		"author":         s(m.Author),
		"ack":            n(int64(m.Ack)),
		"error":          s(m.Error),
		"createdAt":      n(m.CreatedAt.UnixMilli()),
		"updatedAt":      n(m.UpdatedAt.UnixMilli()),
	}
	if m.ClientKey != "" {
		it["clientKey"] = s(m.ClientKey)
	}
	if m.ExternalID != "" {
		it["externalId"] = s(m.ExternalID)
	}
	return it
}

func decodeMessage(it item) (*store.Message, error) {
	var e errs
	m := &store.Message{
		ID:             e.uuid(it, "id"),
		ClientKey:      it.str("clientKey"),
		ExternalID:     it.str("externalId"),
		ConversationID: e.uuid(it, "conversationId"),
		ConnectionID:   it.str("connectionId"),
		ChatID:         it.str("chatId"),
		Direction:      store.Direction(it.str("direction")),
		ContentType:    store.ContentType(it.str("contentType")),
		Text:           it.str("text"),
		MediaRef:       it.str("mediaRef"),
		FileName:       it.str("fileName"),
		Author:         it.str("author"),
		Ack:            store.AckLevel(e.int(it, "ack")),
		Error:          it.str("error"),
		CreatedAt:      e.time(it, "createdAt"),
		UpdatedAt:      e.time(it, "updatedAt"),
	}
	if e.err != nil {
		return nil, e.err
	}
	return m, nil
}
