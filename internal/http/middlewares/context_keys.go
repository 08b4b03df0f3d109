package middlewares

// gin context keys shared across middlewares and handlers.
const (
	CtxRequestID = "ctx.requestID"
	CtxJobID     = "ctx.jobID"
)
