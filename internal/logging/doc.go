// Package logging builds the voxchaind zap logger.
//
// Records go to stdout (JSON or console) and, when a provider is supplied,
// to the OpenTelemetry log bridge. Below Error they are sampled per second.
// Values under sensitive keys (api_key, authorization, token) and strings
// that look like bearer headers or provider keys are masked before encoding.
//
// Services take a plain *zap.Logger and append ContextFields(ctx) so every
// record about a conversation carries session.id, chain.id, request.id and
// the active trace:
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	ctx = logging.WithChainID(ctx, chain.ID)
//	logger.Info("task chain advanced", append(logging.ContextFields(ctx),
//	    zap.Int64("chain_version", chain.Version))...)
//
// IDs arrive from clients, so With*ID drops values that are empty, longer
// than 128 bytes or contain characters outside [a-zA-Z0-9_.:-].
package logging
