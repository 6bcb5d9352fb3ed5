package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/user"
)

type (
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	OTPRequest struct {
		ChallengeToken string `json:"challenge_token" validate:"required"`
		Code           string `json:"code" validate:"required,numeric,len=6"`
	}
)

type userApi struct {
	svc        user.ServiceInterface
	validate   *validator.Validate
	translator ut.Translator
}

func registerUserAPI(g *echo.Group, authed echo.MiddlewareFunc, deps ServerDeps) {
	api := userApi{
		svc:        deps.UserSvc,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	// un-authed endpoints
	g.POST("/register", api.register)
	g.POST("/login", api.login)
	g.POST("/login/otp", api.loginOTP)

	// authed endpoints
	ug := g.Group("/users", authed)
	ug.GET("", api.query)
	ug.PUT("/me/password", api.rotatePassword)
	ug.GET("/:id", api.retrieve)
	ug.PUT("/:id/status", api.setStatus)
}

// Handlers

func (api *userApi) register(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}

	reg, err := api.svc.Register(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "registering user")
	}
	return ctx.JSON(http.StatusCreated, reg)
}

func (api *userApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := core.CheckValidation(api.validate.Struct(data), api.translator); err != nil {
		return err
	}

	challenge, err := api.svc.Authenticate(ctx.Request().Context(), data.Username, data.Password)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}
	return ctx.JSON(http.StatusOK, challenge)
}

func (api *userApi) loginOTP(ctx echo.Context) error {
	var data OTPRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OTPRequest")
	}
	if err := core.CheckValidation(api.validate.Struct(data), api.translator); err != nil {
		return err
	}

	sess, err := api.svc.VerifyOTP(ctx.Request().Context(), data.ChallengeToken, data.Code)
	if err != nil {
		return errors.Wrap(err, "verifying OTP")
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *userApi) query(ctx echo.Context) error {
	filter := new(user.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []user.User{})
	}
	filter.Clean()
	orderings, err := bindOrdering(ctx, user.OrderingFields)
	if err != nil {
		return err
	}

	users, err := api.svc.Query(ctx.Request().Context(), principal(ctx), *filter, orderings...)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	if users == nil {
		users = []user.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

func (api *userApi) retrieve(ctx echo.Context) error {
	usr, err := api.svc.Get(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting user")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) setStatus(ctx echo.Context) error {
	var data user.UpdateStatus
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateStatus")
	}

	usr, err := api.svc.SetStatus(ctx.Request().Context(), principal(ctx), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "setting user status")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) rotatePassword(ctx echo.Context) error {
	var data user.RotatePassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RotatePassword")
	}

	if err := api.svc.RotatePassword(ctx.Request().Context(), principal(ctx), data); err != nil {
		return errors.Wrap(err, "rotating password")
	}
	return ctx.NoContent(http.StatusNoContent)
}
