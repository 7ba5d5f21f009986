package calnotify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	lambdaapi "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/fujiwara/ridge"
)

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

// LambdaClient is the interface for AWS Lambda management operations.
// This is satisfied by *lambda.Client.
type LambdaClient interface {
	GetFunctionUrlConfig(ctx context.Context, params *lambdaapi.GetFunctionUrlConfigInput, optFns ...func(*lambdaapi.Options)) (*lambdaapi.GetFunctionUrlConfigOutput, error)
}

type LambdaHandlerFunc func(context.Context, json.RawMessage) (interface{}, error)

// LambdaHandler dispatches Lambda invocations. HTTP events from a function
// URL go to the webhook handler; anything else (e.g. an EventBridge schedule)
// is treated as a maintenance event.
func (app *App) LambdaHandler() LambdaHandlerFunc {
	return func(ctx context.Context, event json.RawMessage) (interface{}, error) {
		r, err := ridge.NewRequest(event)
		if err != nil {
			slog.InfoContext(ctx, "Handled as a maintenance event")
			return app.handleMaintenanceEvent(ctx)
		}
		slog.InfoContext(ctx, "Handled as a webhook http event")
		w := ridge.NewResponseWriter()
		app.ServeHTTP(w, r.WithContext(ctx))
		return w.Response(), nil
	}
}

func (app *App) handleMaintenanceEvent(ctx context.Context) (interface{}, error) {
	if app.webhookAddress == "" {
		slog.InfoContext(ctx, "webhook address is empty, try fill with lambda function url")
		if err := app.fillWebhookAddressFromFunctionURL(ctx); err != nil {
			slog.ErrorContext(ctx, "failed resolve lambda function url", "error", err)
			return nil, err
		}
	}
	if err := app.maintenanceSubscriptions(ctx, false); err != nil {
		slog.ErrorContext(ctx, "failed maintenance subscriptions", "error", err)
		return nil, err
	}
	return map[string]interface{}{
		"Status": 200,
	}, nil
}

func (app *App) fillWebhookAddressFromFunctionURL(ctx context.Context) error {
	lc, ok := lambdacontext.FromContext(ctx)
	if !ok {
		return errors.New("can not get lambda context")
	}
	arnObj, err := arn.Parse(lc.InvokedFunctionArn)
	if err != nil {
		return err
	}
	parts := strings.SplitAfterN(arnObj.Resource, ":", 2)
	var qualifier *string
	if len(parts) >= 2 {
		qualifier = aws.String(parts[1])
	}
	functionName := strings.TrimPrefix(strings.TrimSuffix(parts[0], ":"), "function:")
	if app.lambdaClient == nil {
		awsCfg, err := loadAWSConfig()
		if err != nil {
			return err
		}
		app.lambdaClient = lambdaapi.NewFromConfig(awsCfg)
	}
	output, err := app.lambdaClient.GetFunctionUrlConfig(ctx, &lambdaapi.GetFunctionUrlConfigInput{
		FunctionName: aws.String(functionName),
		Qualifier:    qualifier,
	})
	if err != nil {
		return err
	}
	if output.FunctionUrl == nil {
		return errors.New("lambda function url is empty")
	}
	app.webhookAddress = *output.FunctionUrl
	return nil
}
