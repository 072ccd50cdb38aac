package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/reloop/datasync/datasync"
)

const DatasyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Reloop data sync control.

The default urls are:
    api_url: https://api.reloop.eco/v1
    channel_url: wss://events.reloop.eco/v1/ws

Pass --jwt=- to read the jwt from the terminal without echo.

Usage:
    datasyncctl feed [--api_url=<api_url>] --jwt=<jwt>
        [--type=<type>]
        [--page=<page>]
    datasyncctl like [--api_url=<api_url>] --jwt=<jwt> <post_id>
    datasyncctl tail [--channel_url=<channel_url>] --jwt=<jwt>
        [--count=<count>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --jwt=<jwt>                  Your platform JWT.
    --type=<type>                Feed type [default: all].
    --page=<page>                Page number [default: 1].
    --count=<count>              Number of events to print before exiting.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DatasyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if feed_, _ := opts.Bool("feed"); feed_ {
		feed(opts)
	} else if like_, _ := opts.Bool("like"); like_ {
		like(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func feed(opts docopt.Opts) {
	api := newApi(opts)
	feedType, _ := opts.String("--type")
	pageStr, _ := opts.String("--page")
	page, _ := strconv.Atoi(pageStr)

	result, err := api.GetPostsSync(&datasync.GetPostsArgs{
		FeedType: feedType,
		Page:     page,
	})
	if err != nil {
		Err.Fatalf("could not fetch feed: %s", err)
	}

	for _, raw := range result.Data {
		record, ok := datasync.NormalizePost(raw)
		if !ok {
			continue
		}
		Out.Printf(
			"%s likes=%d comments=%d %s",
			record.Ref,
			record.Int("likeCount"),
			record.Int("commentCount"),
			record.String_("title"),
		)
	}
	if result.Pagination != nil {
		Out.Printf("page %d/%d", page, result.Pagination.LastPage)
	}
}

func like(opts docopt.Opts) {
	api := newApi(opts)
	postIdStr, _ := opts.String("<post_id>")
	postId, err := strconv.ParseInt(postIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad post id: %s", postIdStr)
	}

	result, err := api.TogglePostReactionSync(&datasync.TogglePostReactionArgs{
		PostId: postId,
	})
	if err != nil {
		Err.Fatalf("could not toggle reaction: %s", err)
	}
	Out.Printf("liked=%t likeCount=%d", result.Liked, result.LikeCount)
}

func tail(opts docopt.Opts) {
	ctx := context.Background()

	channelUrl, _ := opts.String("--channel_url")
	if channelUrl == "" {
		channelUrl = "wss://events.reloop.eco/v1/ws"
	}

	count := -1
	if countStr, _ := opts.String("--count"); countStr != "" {
		count, _ = strconv.Atoi(countStr)
	}

	auth := &datasync.ChannelAuth{
		ByJwt:      jwtOpt(opts),
		InstanceId: datasync.NewId(),
		AppVersion: fmt.Sprintf("datasyncctl %s", DatasyncCtlVersion),
	}

	channel := datasync.NewChannelWithDefaults(ctx, channelUrl, auth)
	defer channel.Close()

	channel.AddStateChangeListener(func(state datasync.ChannelState) {
		Out.Printf("state %s", state)
	})

	done := make(chan struct{})
	received := 0
	print_ := func(envelope *datasync.EventEnvelope) {
		payloadJson, _ := json.Marshal(envelope.Payload)
		Out.Printf("%s %s %s", envelope.ReceivedAt.Format("15:04:05"), envelope.Type, payloadJson)
		received += 1
		if 0 < count && count == received {
			close(done)
		}
	}
	for _, binding := range datasync.DefaultEventBindings() {
		channel.On(binding.Type, print_)
	}
	channel.On(datasync.ResyncEventType, print_)

	<-done
}

func newApi(opts docopt.Opts) *datasync.ReloopApi {
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = "https://api.reloop.eco/v1"
	}
	api := datasync.NewReloopApi(apiUrl)
	api.SetByJwt(jwtOpt(opts))
	return api
}

func jwtOpt(opts docopt.Opts) string {
	jwt, _ := opts.String("--jwt")
	if jwt != "-" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("could not read jwt: %s", err)
	}
	return strings.TrimSpace(string(jwtBytes))
}
