package oauth

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"

	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/strava"
	"strava-wakatime-backend/internal/wakatime"
)

// Provider is one OAuth integration: where to send the user, how to
// exchange the code, and how to learn whose account was connected.
type Provider struct {
	Integration string
	Config      *oauth2.Config
	// Subject returns the provider account id for a freshly issued token.
	Subject func(ctx context.Context, tok *oauth2.Token) (string, error)
}

// StravaConfig returns the oauth2 configuration for Strava.
func StravaConfig(pc config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  pc.RedirectURI,
		// Strava takes a comma separated scope list as a single value.
		Scopes: []string{strava.Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   strava.AuthURL,
			TokenURL:  strava.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// WakaTimeConfig returns the oauth2 configuration for WakaTime.
func WakaTimeConfig(pc config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  pc.RedirectURI,
		Scopes:       []string{wakatime.Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   wakatime.AuthURL,
			TokenURL:  wakatime.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// StravaProvider identifies the athlete from the token response, falling
// back to GET /athlete when the response does not embed it.
func StravaProvider(cfg *oauth2.Config, client *strava.Client) Provider {
	return Provider{
		Integration: config.IntegrationStrava,
		Config:      cfg,
		Subject: func(ctx context.Context, tok *oauth2.Token) (string, error) {
			if athlete, ok := tok.Extra("athlete").(map[string]any); ok {
				if id, ok := athlete["id"].(float64); ok && id > 0 {
					return strconv.FormatInt(int64(id), 10), nil
				}
			}
			athlete, err := client.Athlete(ctx, tok.AccessToken)
			if err != nil {
				return "", fmt.Errorf("failed to identify athlete: %w", err)
			}
			return strconv.FormatInt(athlete.ID, 10), nil
		},
	}
}

// WakaTimeProvider identifies the user through /users/current.
func WakaTimeProvider(cfg *oauth2.Config, client *wakatime.Client) Provider {
	return Provider{
		Integration: config.IntegrationWakaTime,
		Config:      cfg,
		Subject: func(ctx context.Context, tok *oauth2.Token) (string, error) {
			user, err := client.CurrentUser(ctx, tok.AccessToken)
			if err != nil {
				return "", fmt.Errorf("failed to identify user: %w", err)
			}
			return user.ID, nil
		},
	}
}
