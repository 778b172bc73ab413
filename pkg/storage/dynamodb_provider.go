package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/tcmartin/chatflow/pkg/engine"
)

// DynamoDBProvider implements the Provider interface over DynamoDB. Flow
// versions live in one table keyed (flow_id, version); conversations and
// broadcasts each get a single-key table holding a JSON document.
type DynamoDBProvider struct {
	client      *dynamodb.DynamoDB
	tablePrefix string
}

// DynamoDBOptions configures the DynamoDB backend.
type DynamoDBOptions struct {
	Region string

	// Endpoint points at a local DynamoDB for development; empty uses AWS.
	Endpoint string

	TablePrefix string
}

// NewDynamoDBProvider creates a provider over a new AWS session.
func NewDynamoDBProvider(opts DynamoDBOptions) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(opts.Region),
	}
	if opts.Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "chatflow_"
	}
	return &DynamoDBProvider{
		client:      dynamodb.New(sess),
		tablePrefix: prefix,
	}, nil
}

// Initialize creates the tables if they do not exist and waits for them to
// become active.
func (p *DynamoDBProvider) Initialize(ctx context.Context) error {
	tables := []struct {
		name string
		keys []*dynamodb.KeySchemaElement
		defs []*dynamodb.AttributeDefinition
	}{
		{
			name: p.table("flows"),
			keys: []*dynamodb.KeySchemaElement{
				{AttributeName: aws.String("flow_id"), KeyType: aws.String("HASH")},
				{AttributeName: aws.String("version"), KeyType: aws.String("RANGE")},
			},
			defs: []*dynamodb.AttributeDefinition{
				{AttributeName: aws.String("flow_id"), AttributeType: aws.String("S")},
				{AttributeName: aws.String("version"), AttributeType: aws.String("S")},
			},
		},
		{
			name: p.table("conversations"),
			keys: []*dynamodb.KeySchemaElement{
				{AttributeName: aws.String("session_id"), KeyType: aws.String("HASH")},
			},
			defs: []*dynamodb.AttributeDefinition{
				{AttributeName: aws.String("session_id"), AttributeType: aws.String("S")},
			},
		},
		{
			name: p.table("broadcasts"),
			keys: []*dynamodb.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: aws.String("HASH")},
			},
			defs: []*dynamodb.AttributeDefinition{
				{AttributeName: aws.String("id"), AttributeType: aws.String("S")},
			},
		},
	}

	for _, table := range tables {
		_, err := p.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(table.name),
			KeySchema:            table.keys,
			AttributeDefinitions: table.defs,
			BillingMode:          aws.String(dynamodb.BillingModePayPerRequest),
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
				continue
			}
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
		if err := p.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table.name),
		}); err != nil {
			return fmt.Errorf("failed waiting for table %s: %w", table.name, err)
		}
	}
	return nil
}

func (p *DynamoDBProvider) Close() error { return nil }

func (p *DynamoDBProvider) FlowStore() FlowStore { return &dynamoFlowStore{p} }

func (p *DynamoDBProvider) ConversationStore() ConversationStore { return &dynamoConversationStore{p} }

func (p *DynamoDBProvider) BroadcastStore() BroadcastStore { return &dynamoBroadcastStore{p} }

func (p *DynamoDBProvider) table(name string) string {
	return p.tablePrefix + name
}

type dynamoFlowStore struct{ p *DynamoDBProvider }

// dynamoFlowItem adds a monotonically increasing sequence number so "latest
// version" has a stable order without parsing version strings.
type dynamoFlowItem struct {
	FlowRecord
	Seq int64 `json:"seq"`
}

func (s *dynamoFlowStore) SaveFlow(ctx context.Context, record FlowRecord) error {
	versions, err := s.listItems(ctx, record.FlowID)
	if err != nil {
		return err
	}
	seq := int64(len(versions) + 1)
	for _, item := range versions {
		if item.Version == record.Version {
			seq = item.Seq
			break
		}
	}

	av, err := dynamodbattribute.MarshalMap(dynamoFlowItem{FlowRecord: record, Seq: seq})
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}
	_, err = s.p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.p.table("flows")),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

func (s *dynamoFlowStore) GetFlow(ctx context.Context, flowID, version string) (FlowRecord, error) {
	if version != "" {
		result, err := s.p.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.p.table("flows")),
			Key: map[string]*dynamodb.AttributeValue{
				"flow_id": {S: aws.String(flowID)},
				"version": {S: aws.String(version)},
			},
		})
		if err != nil {
			return FlowRecord{}, fmt.Errorf("failed to get flow: %w", err)
		}
		if result.Item == nil {
			return FlowRecord{}, ErrFlowNotFound
		}
		var item dynamoFlowItem
		if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
			return FlowRecord{}, fmt.Errorf("failed to unmarshal flow: %w", err)
		}
		return item.FlowRecord, nil
	}

	versions, err := s.listItems(ctx, flowID)
	if err != nil {
		return FlowRecord{}, err
	}
	var best *dynamoFlowItem
	for i := range versions {
		item := &versions[i]
		if !item.Published {
			continue
		}
		if best == nil || item.Seq > best.Seq {
			best = item
		}
	}
	if best == nil {
		return FlowRecord{}, ErrFlowNotFound
	}
	return best.FlowRecord, nil
}

func (s *dynamoFlowStore) ListFlows(ctx context.Context) ([]FlowRecord, error) {
	var out []FlowRecord
	latest := map[string]dynamoFlowItem{}

	err := s.p.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.p.table("flows")),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, raw := range page.Items {
			var item dynamoFlowItem
			if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			if existing, ok := latest[item.FlowID]; !ok || item.Seq > existing.Seq {
				latest[item.FlowID] = item
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	for _, item := range latest {
		out = append(out, item.FlowRecord)
	}
	return out, nil
}

func (s *dynamoFlowStore) ListVersions(ctx context.Context, flowID string) ([]FlowRecord, error) {
	items, err := s.listItems(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrFlowNotFound
	}
	out := make([]FlowRecord, len(items))
	for i, item := range items {
		out[i] = item.FlowRecord
	}
	return out, nil
}

func (s *dynamoFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	items, err := s.listItems(ctx, flowID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrFlowNotFound
	}
	for _, item := range items {
		_, err := s.p.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.p.table("flows")),
			Key: map[string]*dynamodb.AttributeValue{
				"flow_id": {S: aws.String(flowID)},
				"version": {S: aws.String(item.Version)},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete flow version %s: %w", item.Version, err)
		}
	}
	return nil
}

func (s *dynamoFlowStore) listItems(ctx context.Context, flowID string) ([]dynamoFlowItem, error) {
	result, err := s.p.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.p.table("flows")),
		KeyConditionExpression: aws.String("flow_id = :flow_id"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":flow_id": {S: aws.String(flowID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query flow versions: %w", err)
	}

	items := make([]dynamoFlowItem, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoFlowItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

type dynamoConversationStore struct{ p *DynamoDBProvider }

func (s *dynamoConversationStore) GetConversation(ctx context.Context, sessionID string) (*engine.ConversationState, error) {
	result, err := s.p.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.p.table("conversations")),
		Key: map[string]*dynamodb.AttributeValue{
			"session_id": {S: aws.String(sessionID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if result.Item == nil || result.Item["state"] == nil || result.Item["state"].S == nil {
		return nil, engine.ErrSessionNotFound
	}

	var state engine.ConversationState
	if err := json.Unmarshal([]byte(*result.Item["state"].S), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if state.Variables == nil {
		state.Variables = engine.Variables{}
	}
	if state.InputRetries == nil {
		state.InputRetries = map[string]int{}
	}
	return &state, nil
}

func (s *dynamoConversationStore) SaveConversation(ctx context.Context, state *engine.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.p.table("conversations")),
		Item: map[string]*dynamodb.AttributeValue{
			"session_id": {S: aws.String(state.SessionID)},
			"state":      {S: aws.String(string(data))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *dynamoConversationStore) ListConversations(ctx context.Context) ([]*engine.ConversationState, error) {
	var out []*engine.ConversationState
	err := s.p.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.p.table("conversations")),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, raw := range page.Items {
			if raw["state"] == nil || raw["state"].S == nil {
				continue
			}
			var state engine.ConversationState
			if err := json.Unmarshal([]byte(*raw["state"].S), &state); err != nil {
				continue
			}
			out = append(out, &state)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (s *dynamoConversationStore) DeleteConversation(ctx context.Context, sessionID string) error {
	_, err := s.p.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.p.table("conversations")),
		Key: map[string]*dynamodb.AttributeValue{
			"session_id": {S: aws.String(sessionID)},
		},
	})
	return err
}

type dynamoBroadcastStore struct{ p *DynamoDBProvider }

func (s *dynamoBroadcastStore) SaveBroadcast(ctx context.Context, broadcast Broadcast) error {
	av, err := dynamodbattribute.MarshalMap(broadcast)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	_, err = s.p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.p.table("broadcasts")),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save broadcast: %w", err)
	}
	return nil
}

func (s *dynamoBroadcastStore) GetBroadcast(ctx context.Context, id string) (Broadcast, error) {
	result, err := s.p.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.p.table("broadcasts")),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(id)},
		},
	})
	if err != nil {
		return Broadcast{}, fmt.Errorf("failed to get broadcast: %w", err)
	}
	if result.Item == nil {
		return Broadcast{}, ErrBroadcastNotFound
	}
	var broadcast Broadcast
	if err := dynamodbattribute.UnmarshalMap(result.Item, &broadcast); err != nil {
		return Broadcast{}, fmt.Errorf("failed to unmarshal broadcast: %w", err)
	}
	return broadcast, nil
}

func (s *dynamoBroadcastStore) ListBroadcasts(ctx context.Context) ([]Broadcast, error) {
	var out []Broadcast
	err := s.p.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.p.table("broadcasts")),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, raw := range page.Items {
			var broadcast Broadcast
			if err := dynamodbattribute.UnmarshalMap(raw, &broadcast); err != nil {
				continue
			}
			out = append(out, broadcast)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	return out, nil
}

func (s *dynamoBroadcastStore) DeleteBroadcast(ctx context.Context, id string) error {
	_, err := s.p.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.p.table("broadcasts")),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(id)},
		},
	})
	return err
}
