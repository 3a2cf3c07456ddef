package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterAppRoutes 暴露 /-/apps 诊断与管理接口：查询各应用的缓存代际与 worker 状态，
// 手动激活等待中的 worker，或按当前配置重新安装。
func RegisterAppRoutes(app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(route))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, err := lookupApp(c, registry)
		if route == nil {
			return err
		}
		detail := appDetailPayload{appPayload: encodeApp(route)}

		generations, err := route.Storage.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		detail.Generations = generations

		if controller := route.Controller(); controller != nil {
			keys, err := controller.Entries(c.Context())
			if err != nil {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "storage_unavailable"})
			}
			for _, key := range keys {
				detail.Entries = append(detail.Entries, key.URL)
			}
			detail.FallbackURL = controller.FallbackURL().String()
			if urls, err := controller.SeedURLs(); err == nil {
				for _, u := range urls {
					detail.Seeds = append(detail.Seeds, u.String())
				}
			}
		}
		return c.JSON(detail)
	})

	app.Post("/-/apps/:name/activate", func(c fiber.Ctx) error {
		route, err := lookupApp(c, registry)
		if route == nil {
			return err
		}
		report, err := route.Registration.Promote(c.Context())
		switch {
		case errors.Is(err, offline.ErrNoWaitingWorker):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_worker"})
		case err != nil:
			logAdminFailure(logger, "promote", route, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed", "detail": err.Error()})
		}
		return c.JSON(fiber.Map{"activate": report, "status": route.Registration.Status()})
	})

	app.Post("/-/apps/:name/update", func(c fiber.Ctx) error {
		route, err := lookupApp(c, registry)
		if route == nil {
			return err
		}
		report, err := route.Install(c.Context())
		if err != nil {
			logAdminFailure(logger, "update", route, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "install_failed",
				"detail":  err.Error(),
				"install": report,
			})
		}
		return c.JSON(fiber.Map{"install": report, "status": route.Registration.Status()})
	})
}

type appPayload struct {
	Name         string                     `json:"name"`
	Domain       string                     `json:"domain"`
	Origin       string                     `json:"origin"`
	Script       string                     `json:"script"`
	Generation   string                     `json:"generation"`
	SeedStrategy string                     `json:"seed_strategy"`
	FailureMode  string                     `json:"install_failure_mode"`
	SkipWaiting  bool                       `json:"skip_waiting"`
	Port         int                        `json:"port"`
	Workers      offline.RegistrationStatus `json:"workers"`
}

type appDetailPayload struct {
	appPayload
	Generations []string `json:"generations"`
	Seeds       []string `json:"seeds,omitempty"`
	Entries     []string `json:"entries,omitempty"`
	FallbackURL string   `json:"fallback_url,omitempty"`
}

func encodeApp(route *server.AppRoute) appPayload {
	cfg := route.Config
	payload := appPayload{
		Name:         cfg.Name,
		Domain:       cfg.Domain,
		Generation:   cfg.Generation,
		SeedStrategy: cfg.SeedStrategy,
		FailureMode:  cfg.InstallFailureMode,
		SkipWaiting:  cfg.SkipWaitingValue(),
		Port:         route.ListenPort,
		Workers:      route.Registration.Status(),
	}
	if route.OriginURL != nil {
		payload.Origin = route.OriginURL.String()
	}
	if route.ScriptURL != nil {
		payload.Script = route.ScriptURL.String()
	}
	return payload
}

func lookupApp(c fiber.Ctx, registry *server.AppRegistry) (*server.AppRoute, error) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "app_name_required"})
	}
	route, ok := registry.Find(name)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
	}
	return route, nil
}

func logAdminFailure(logger *logrus.Logger, action string, route *server.AppRoute, err error) {
	if logger == nil {
		return
	}
	fields := logging.LifecycleFields(action, route.Config.Name, route.Config.Generation)
	fields["error"] = err.Error()
	logger.WithFields(fields).Error("admin_action_failed")
}
