package fetch

import (
	"github.com/cryguy/fetch/internal/core"
	"github.com/cryguy/fetch/internal/webapi"
)

// Type aliases re-exporting internal types so downstream code can use
// fetch.Request, fetch.Config, etc. without importing internal packages.

type Config = core.Config
type Flags = core.Flags
type WorkerInterface = core.WorkerInterface
type WorkerRequest = core.WorkerRequest
type WorkerResponse = core.WorkerResponse
type WebSocket = core.WebSocket
type CacheStore = core.CacheStore
type CacheEntry = core.CacheEntry
type QueueEvent = core.QueueEvent
type QueueResult = core.QueueResult
type QueueRetryOptions = core.QueueRetryOptions
type ScheduledEvent = core.ScheduledEvent
type ScheduledResult = core.ScheduledResult
type RPCCall = core.RPCCall
type RPCResult = core.RPCResult
type RequestObserver = core.RequestObserver
type ObserverFactory = core.ObserverFactory
type FailureSource = core.FailureSource
type OutgoingFactory = core.OutgoingFactory
type CrossContextOutgoingFactory = core.CrossContextOutgoingFactory
type AbortError = core.AbortError
type RemoteError = core.RemoteError

type Request = webapi.Request
type RequestInit = webapi.RequestInit
type Response = webapi.Response
type ResponseInit = webapi.ResponseInit
type ReadableStream = webapi.ReadableStream
type Blob = webapi.Blob
type File = webapi.File
type FormData = webapi.FormData
type AbortSignal = webapi.AbortSignal
type AbortController = webapi.AbortController
type Fetcher = webapi.Fetcher
type FetchEvent = webapi.FetchEvent
type DeferredProxy = webapi.DeferredProxy
type SendOptions = webapi.SendOptions
type Socket = webapi.Socket
type SocketOptions = webapi.SocketOptions
type PutOptions = webapi.PutOptions
type QueueMessage = webapi.QueueMessage
type ScheduledOptions = webapi.ScheduledOptions
type MessageBatch = webapi.MessageBatch
type Message = webapi.Message
type ScheduledController = webapi.ScheduledController
type RPCFunc = webapi.RPCFunc
type RPCMethod = webapi.RPCMethod
type Worker = webapi.Worker
type WorkerOptions = webapi.WorkerOptions
type FetchHandler = webapi.FetchHandler
type HandlerFunc = webapi.HandlerFunc
type QueueHandler = webapi.QueueHandler
type ScheduledHandler = webapi.ScheduledHandler
type ConnectHandler = webapi.ConnectHandler
type RPCTarget = webapi.RPCTarget
type HTTPClient = webapi.HTTPClient
type CachingClient = webapi.CachingClient

// Errors re-exported from core.
var (
	ErrBodyUsed            = core.ErrBodyUsed
	ErrAborted             = core.ErrAborted
	ErrDataClone           = core.ErrDataClone
	ErrInvalidInput        = core.ErrInvalidInput
	ErrAlreadyResponded    = core.ErrAlreadyResponded
	ErrAlreadySent         = core.ErrAlreadySent
	ErrCloneWebSocket      = core.ErrCloneWebSocket
	ErrWebSocketNotAllowed = core.ErrWebSocketNotAllowed
	ErrTooManyRedirects    = core.ErrTooManyRedirects
	ErrRedirectStreamBody  = core.ErrRedirectStreamBody
	ErrSubrequestLimit     = core.ErrSubrequestLimit
	ErrNotSupported        = core.ErrNotSupported
	ErrCrossContext        = core.ErrCrossContext
	ErrNoContext           = core.ErrNoContext
	ErrNetwork             = core.ErrNetwork
)

// Constants re-exported from internal packages.
const GlobalOutbound = webapi.GlobalOutbound

// Functions re-exported from internal packages.
var (
	DefaultConfig          = core.DefaultConfig
	LoadConfig             = core.LoadConfig
	NewRequest             = webapi.NewRequest
	NewResponse            = webapi.NewResponse
	Redirect               = webapi.Redirect
	ErrorResponse          = webapi.ErrorResponse
	JSONResponse           = webapi.JSONResponse
	NewBlob                = webapi.NewBlob
	NewFormData            = webapi.NewFormData
	NewReadableStream      = webapi.NewReadableStream
	NewAbortController     = webapi.NewAbortController
	TimeoutSignal          = webapi.TimeoutSignal
	AnySignal              = webapi.AnySignal
	NewChannelFetcher      = webapi.NewChannelFetcher
	NewFactoryFetcher      = webapi.NewFactoryFetcher
	NewCrossContextFetcher = webapi.NewCrossContextFetcher
	NewHTTPClient          = webapi.NewHTTPClient
	NewHTTPSink            = webapi.NewHTTPSink
	NewCachingClient       = webapi.NewCachingClient
	DecodeRPCArgs          = webapi.DecodeRPCArgs
	ValidateCron           = webapi.ValidateCron
	WaitUntil              = webapi.WaitUntil
)

// RespondAsync runs fn in the background and returns a promise for its
// response, ready to pass to FetchEvent.RespondWith.
var RespondAsync = core.Async[*webapi.Response]

// Respond wraps an already available response for FetchEvent.RespondWith.
var Respond = core.Resolved[*webapi.Response]
