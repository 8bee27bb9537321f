// Package handler contains the built-in tools and their capability descriptors.
package handler

import (
	"net/http"
	"time"

	"github.com/t77yq/animus/internal/model"
	"github.com/t77yq/animus/internal/tool"
)

const (
	NameEncodeBase64 = "@animus/encode-base64"
	NameHTTPPost     = "@animus/http-post"
	NameTrack        = "@easypost/track"

	defaultHTTPTimeout = 30 * time.Second
)

// Register binds every built-in tool to loader. A nil client gets a default one.
func Register(loader *tool.Loader, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	loader.Register(NameEncodeBase64, tool.Static(EncodeBase64{}))
	loader.Register(NameHTTPPost, NewHTTPPostFactory(client))
	loader.Register(NameTrack, NewTrackFactory(TrackURL))
}

// Descriptors returns the capability descriptors of the built-in tools
func Descriptors() []*model.ToolMetadata {
	return []*model.ToolMetadata{
		{
			Type:           "Encoding#Base64",
			Name:           NameEncodeBase64,
			Description:    "Base64 encodes a string",
			RequestFormat:  map[string]string{"input": "Text#Plain"},
			ResponseFormat: map[string]string{"output": "Text#Base64"},
		},
		{
			Type:           "Network#HTTPPost",
			Name:           NameHTTPPost,
			Description:    "Posts a request body and decodes the JSON response",
			RequestFormat:  map[string]string{"url": "Network#URL", "headers": "Network#Headers", "body": "Text#Plain"},
			ResponseFormat: map[string]string{"response": "Network#JSON"},
		},
		{
			Type:          "Shipping#Track",
			Name:          NameTrack,
			Description:   "Tracks a shipment through EasyPost",
			RequestFormat: map[string]string{"trackingNumber": "Shipment#TrackingNumber"},
			ResponseFormat: map[string]string{
				"status":  "Shipment#Status",
				"carrier": "Shipment#Carrier",
				"url":     "Shipment#TrackingPage",
			},
			State: map[string]string{"account": "@easypost.account"},
			Tools: map[string]string{
				"encodeBase64": NameEncodeBase64,
				"httpPost":     NameHTTPPost,
			},
		},
	}
}
