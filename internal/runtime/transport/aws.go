package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	endpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/behaviorflow/internal/runtime/config"
)

var (
	AWSDefaultConfigLoader  = awsconfig.LoadDefaultConfig
	SNSTopicResolverFactory = sns.NewGenerateArnTopicResolver
	SNSPublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	// sqsQueueSuffix names the SQS queue subscribed to each SNS topic:
	// "<topic>-behaviorflow". Every instance shares it, so deliveries are
	// load-balanced.
	sqsQueueSuffix = "behaviorflow"
)

// awsTransport publishes to SNS topics and consumes through one SQS queue
// per topic.
func awsTransport(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	cfg, err := loadAWSConfig(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	endpoint, err := awsEndpoint(conf, cfg)
	if err != nil {
		return Transport{}, err
	}
	resolver, err := topicResolver(conf, cfg.Region, logger)
	if err != nil {
		return Transport{}, err
	}

	publisher, err := SNSPublisherFactory(snsPublisherConfig(cfg, resolver, endpoint), logger)
	if err != nil {
		return Transport{}, err
	}
	snsCfg, sqsCfg := snsSubscriberConfig(cfg, resolver, endpoint)
	subscriber, err := SNSSubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func loadAWSConfig(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conf.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(conf.AWSRegion))
	}
	if conf.AWSAccessKeyID != "" && conf.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(conf.AWSAccessKeyID, conf.AWSSecretAccessKey)))
	}

	cfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": conf.AWSRegion})
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if conf.AWSRegion != "" {
		cfg.Region = conf.AWSRegion
	}
	logger.Info("Loaded AWS config", watermill.LogFields{
		"region":          cfg.Region,
		"custom_endpoint": conf.AWSEndpoint != "",
	})
	return cfg, nil
}

// awsEndpoint returns the endpoint override, from the config first and the
// loaded AWS config second, or nil when AWS endpoints resolve normally.
func awsEndpoint(conf *config.Config, cfg aws.Config) (*url.URL, error) {
	raw := conf.AWSEndpoint
	if raw == "" && cfg.BaseEndpoint != nil {
		raw = *cfg.BaseEndpoint
	}
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse aws endpoint: %w", err)
	}
	return parsed, nil
}

// accountID trims quoting from the configured account id. With a custom
// endpoint, a missing or malformed id falls back to the LocalStack account.
func accountID(conf *config.Config, logger watermill.LoggerAdapter) string {
	id := strings.Trim(conf.AWSAccountID, "\"' ")
	if conf.AWSEndpoint != "" && len(id) != awsAccountIDLength {
		logger.Info("Using LocalStack account id", watermill.LogFields{"configured": id})
		return localstackAccountID
	}
	return id
}

func topicResolver(conf *config.Config, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	id := accountID(conf, logger)
	resolver, err := SNSTopicResolverFactory(id, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{"account_id": id, "region": region})
		return nil, fmt.Errorf("sns topic resolver: %w", err)
	}
	return resolver, nil
}

func snsPublisherConfig(cfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL) sns.PublisherConfig {
	pubCfg := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     cfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint != nil {
		pubCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoints.Endpoint{URI: *endpoint}}),
		}
	}
	return pubCfg
}

func snsSubscriberConfig(cfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            cfg,
		TopicResolver:        resolver,
		GenerateSqsQueueName: sqsQueueName,
	}
	sqsCfg := sqs.SubscriberConfig{AWSConfig: cfg}
	if endpoint != nil {
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoints.Endpoint{URI: *endpoint}}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoints.Endpoint{URI: *endpoint}}),
		}
	}
	return snsCfg, sqsCfg
}

func sqsQueueName(_ context.Context, topic sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topic)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", name, sqsQueueSuffix), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
	})
}
