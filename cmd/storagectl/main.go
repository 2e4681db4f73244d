// Command storagectl serves, or talks to, the admin surface of a running
// storage Engine: list tables, inspect a single page, dump superblock
// stats, or force a checkpoint, all over gRPC so the process holding the
// database file doesn't need a terminal of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/SimonWaldherr/storageengine/internal/config"
	"github.com/SimonWaldherr/storageengine/internal/storage"
	"github.com/SimonWaldherr/storageengine/internal/storage/adminpb"
	"github.com/SimonWaldherr/storageengine/internal/storage/pager"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "tables":
		runClient(os.Args[2:], "tables")
	case "page":
		runClient(os.Args[2:], "page")
	case "stats":
		runClient(os.Args[2:], "stats")
	case "checkpoint":
		runClient(os.Args[2:], "checkpoint")
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: storagectl <serve|tables|page|stats|checkpoint> [flags]")
	os.Exit(2)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the engine's YAML config")
	listen := fs.String("listen", ":7711", "gRPC listen address")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	engine, err := storage.Open(storage.Config{
		DBPath:             cfg.DBPath,
		WALPath:            cfg.WALPath,
		PageSize:           cfg.PageSize,
		MaxCachePages:      cfg.MaxCachePages,
		CheckpointSchedule: cfg.CheckpointSchedule(),
		DeadlockSchedule:   cfg.DeadlockSchedule(),
	})
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	srv := grpc.NewServer()
	adminpb.RegisterAdminServer(srv, &adminServer{engine: engine})
	log.Printf("storagectl admin surface listening on %s (db=%s)", *listen, cfg.DBPath)
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

type adminServer struct {
	engine *storage.Engine
}

func (s *adminServer) ListTables(ctx context.Context, req *adminpb.ListTablesRequest) (*adminpb.ListTablesResponse, error) {
	names, err := s.engine.ListTables(req.Tenant)
	if err != nil {
		return nil, err
	}
	return &adminpb.ListTablesResponse{Tables: names}, nil
}

func (s *adminServer) GetPage(ctx context.Context, req *adminpb.GetPageRequest) (*adminpb.GetPageResponse, error) {
	info, err := s.engine.InspectPage(pager.PageID(req.LogicalPageID))
	if err != nil {
		return nil, err
	}
	return &adminpb.GetPageResponse{
		ID:            uint32(info.ID),
		Type:          info.TypeStr,
		LSN:           uint64(info.LSN),
		CRC:           info.CRC,
		CRCValid:      info.CRCValid,
		IsLeaf:        info.IsLeaf,
		KeyCount:      int32(info.KeyCount),
		RightChild:    uint32(info.RightChild),
		NextLeaf:      uint32(info.NextLeaf),
		PrevLeaf:      uint32(info.PrevLeaf),
		SlotCount:     int32(info.SlotCount),
		FreeSpace:     int32(info.FreeSpace),
		NextOverflow:  uint32(info.NextOverflow),
		DataLen:       int32(info.DataLen),
		PageAllocated: info.PageAllocated,
	}, nil
}

func (s *adminServer) Stats(ctx context.Context, req *adminpb.StatsRequest) (*adminpb.StatsResponse, error) {
	sb, err := s.engine.Stats()
	if err != nil {
		return nil, err
	}
	allocatedBytes := uint64(sb.NumAllocatedPages) * uint64(sb.PageSize)
	return &adminpb.StatsResponse{
		FormatVersion:      sb.FormatVersion,
		PageSize:           sb.PageSize,
		NumAllocatedPages:  sb.NumAllocatedPages,
		NumExtents:         int32(sb.NumExtents),
		CatalogRoot:        uint32(sb.CatalogRoot),
		CheckpointLSN:      uint64(sb.CheckpointLSN),
		NextTxID:           uint64(sb.NextTxID),
		AllocatedBytes:     allocatedBytes,
		AllocatedHumanized: humanize.Bytes(allocatedBytes),
		CRCValid:           sb.CRCValid,
	}, nil
}

func (s *adminServer) TriggerCheckpoint(ctx context.Context, req *adminpb.TriggerCheckpointRequest) (*adminpb.TriggerCheckpointResponse, error) {
	if err := s.engine.Checkpoint(); err != nil {
		return nil, err
	}
	sb, err := s.engine.Stats()
	if err != nil {
		return nil, err
	}
	return &adminpb.TriggerCheckpointResponse{CheckpointLSN: uint64(sb.CheckpointLSN)}, nil
}

func runClient(args []string, cmd string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "localhost:7711", "storagectl server address")
	tenant := fs.String("tenant", "", "tenant name (tables command)")
	page := fs.Uint("page", 0, "logical page id (page command)")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	client := adminpb.NewAdminClient(conn)

	switch cmd {
	case "tables":
		resp, err := client.ListTables(ctx, &adminpb.ListTablesRequest{Tenant: *tenant})
		if err != nil {
			log.Fatal(err)
		}
		for _, name := range resp.Tables {
			fmt.Println(name)
		}
	case "page":
		resp, err := client.GetPage(ctx, &adminpb.GetPageRequest{LogicalPageID: uint32(*page)})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("page %d: type=%s lsn=%d crc_valid=%v slots=%d free=%d\n",
			resp.ID, resp.Type, resp.LSN, resp.CRCValid, resp.SlotCount, resp.FreeSpace)
	case "stats":
		resp, err := client.Stats(ctx, &adminpb.StatsRequest{})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("format=%d page_size=%s allocated=%s (%s) extents=%d next_tx=%d checkpoint_lsn=%d\n",
			resp.FormatVersion, humanize.Bytes(uint64(resp.PageSize)), humanize.Comma(int64(resp.NumAllocatedPages)),
			resp.AllocatedHumanized, resp.NumExtents, resp.NextTxID, resp.CheckpointLSN)
	case "checkpoint":
		resp, err := client.TriggerCheckpoint(ctx, &adminpb.TriggerCheckpointRequest{})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("checkpoint complete, lsn=%d\n", resp.CheckpointLSN)
	}
}
