package handler

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edge-recorder/dto"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/service"
)

type ServiceDependencies struct {
	Coordinator *service.Coordinator
}

// StartHandler serves recording.start requests. A rejected start still
// produces a reply so the requester is never left waiting for a timeout.
func StartHandler(deps ServiceDependencies) func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
	return func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
		req, ok := msg.Payload.(dto.StartRequest)
		if !ok {
			return dto.StartReply{Error: "InvalidRequest"}, nil
		}

		id, err := deps.Coordinator.Start(ctx, req)
		if errors.Is(err, service.ErrAlreadyRecording) {
			return dto.StartReply{Error: service.ErrAlreadyRecording.Error()}, nil
		}
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("start request failed")
			return dto.StartReply{Error: err.Error()}, nil
		}
		return dto.StartReply{RecordingID: id}, nil
	}
}

func StopHandler(deps ServiceDependencies) func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
	return func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
		req, ok := msg.Payload.(dto.StopRequest)
		if !ok || req.RecordingID == uuid.Nil {
			return dto.StopReply{Error: "InvalidRequest"}, nil
		}

		if err := deps.Coordinator.Stop(ctx, req.RecordingID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("stop request failed")
			return dto.StopReply{Error: err.Error()}, nil
		}
		return dto.StopReply{OK: true}, nil
	}
}

func StatusHandler(deps ServiceDependencies) func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
	return func(ctx context.Context, msg eventbus.Message) (interface{}, error) {
		reply, err := deps.Coordinator.Status(ctx)
		if err != nil {
			// Reply anyway; an error return would leave the requester waiting
			// out its timeout.
			zerolog.Ctx(ctx).Error().Err(err).Msg("status request failed")
			return dto.StatusReply{Error: err.Error()}, nil
		}
		return reply, nil
	}
}
