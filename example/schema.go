package main

import (
	"context"
	"time"

	"github.com/graphsocket/graphql-ws/graphqlhttp"
)

const schemaSDL = `
	schema {
		query: Query
		mutation: Mutation
		subscription: Subscription
	}

	type Query {
		hello: String!
	}

	type Mutation {
		uploadFile(file: Upload!): UploadResult!
	}

	type UploadResult {
		ok: Boolean!
		filename: String!
		size: Int!
	}

	type Subscription {
		count(upto: Int!): Int!
	}

	scalar Upload
`

type resolver struct{}

func (*resolver) Hello() string {
	return "Hello, world!"
}

func (*resolver) UploadFile(args struct{ File graphqlhttp.Upload }) *uploadResult {
	return &uploadResult{upload: args.File}
}

type uploadResult struct {
	upload graphqlhttp.Upload
}

func (u *uploadResult) Ok() bool         { return true }
func (u *uploadResult) Filename() string { return u.upload.Filename }
func (u *uploadResult) Size() int32      { return int32(u.upload.Size) }

// Count streams 0..upto-1, one value every 10ms.
func (*resolver) Count(ctx context.Context, args struct{ Upto int32 }) <-chan int32 {
	c := make(chan int32)
	go func() {
		defer close(c)
		for i := int32(0); i < args.Upto; i++ {
			select {
			case c <- i:
			case <-ctx.Done():
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return c
}
