package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var (
		grpcAddr = flag.String("grpc-addr", "localhost:8081", "gRPC health address")
		interval = flag.Duration("interval", 0, "repeat the check at this interval, zero checks once")
	)
	flag.Parse()

	conn, err := grpc.Dial(*grpcAddr, grpc.WithInsecure())
	if err != nil {
		log.Fatalf("did not connect: %s", err)
	}
	defer conn.Close()
	c := healthpb.NewHealthClient(conn)

	for {
		serving := MakeCall(c)
		if *interval == 0 {
			if !serving {
				os.Exit(1)
			}
			return
		}
		time.Sleep(*interval)
	}
}

// MakeCall performs one health check and reports whether the server is serving.
func MakeCall(c healthpb.HealthClient) bool {
	defer func(begin time.Time) {
		fmt.Println("took > ", time.Since(begin))
	}(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Println("error: ", err)
		return false
	}

	fmt.Println(resp.Status)
	return resp.Status == healthpb.HealthCheckResponse_SERVING
}
